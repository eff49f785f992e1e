// Copyright © 2025, 2026 Genome Research Limited
// Author: Michael Woolnough <mw31@sanger.ac.uk>
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.


// Package bsubresource parses bsub -R resource requirement strings, so that
// host exclusions can be added to them without disturbing the rest of the
// requirements.
package bsubresource

// ParseBsubR parses a bsub `-R` requirements string into its sections so it
// can be modified and reformatted.
func ParseBsubR(r string) (*Requirements, error) {
	tokens, err := tokenise(r)
	if err != nil {
		return nil, err
	}

	var req Requirements

	req.parse(tokens)

	return &req, nil
}
