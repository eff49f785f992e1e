// Copyright © 2026 Genome Research Limited
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

package driver

import (
	"os"
	"path/filepath"

	"github.com/ugorji/go/codec"
)

const markerSuffix = "_info.json"

// marker is what we write to a job's run path after submitting it, so the job
// can be found again later.
type marker struct {
	JobID  string `codec:"job_id"`
	Name   string `codec:"name"`
	Driver string `codec:"driver"`
}

// MarkerPath returns the path of the marker file the named driver writes in to
// a job's run path.
func MarkerPath(driverName, runPath string) string {
	return filepath.Join(runPath, driverName+markerSuffix)
}

func writeMarker(path string, m marker) error {
	var encoded []byte

	enc := codec.NewEncoderBytes(&encoded, new(codec.JsonHandle))
	if err := enc.Encode(m); err != nil {
		return err
	}

	encoded = append(encoded, '\n')

	return os.WriteFile(path, encoded, 0644) // #nosec
}

func readMarker(path string) (marker, error) {
	var m marker

	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}

	dec := codec.NewDecoderBytes(b, new(codec.JsonHandle))
	err = dec.Decode(&m)

	return m, err
}
