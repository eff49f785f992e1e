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

package bsubresource

import (
	"strings"
	"unicode"

	"vimagination.zapto.org/parser"
)

const hostNameKey = "hname"

// ParseHostList splits a list of host names separated by commas and/or
// whitespace, dropping empty entries and duplicates while keeping the order
// the hosts were first given in.
func ParseHostList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	seen := make(map[string]bool, len(fields))
	hosts := make([]string, 0, len(fields))

	for _, host := range fields {
		if seen[host] {
			continue
		}

		seen[host] = true
		hosts = append(hosts, host)
	}

	return hosts
}

// ExcludeHosts returns the given bsub -R value altered so that jobs will not
// run on any of the given hosts: a `hname!='host'` term per host is and-ed on
// to the first select section, or a new select section is added if there isn't
// one. With no hosts the resource is returned unchanged.
func ExcludeHosts(resource string, hosts []string) string {
	if len(hosts) == 0 {
		return resource
	}

	r, err := ParseBsubR(resource)
	if err != nil {
		return spliceExclusions(resource, hosts)
	}

	r.ExcludeHosts(hosts)

	return r.String()
}

// ExcludeHosts adds a `hname!='host'` term for each given host not already
// excluded to the leading bare expression or first select section, adding a
// select section if there is neither.
func (r *Requirements) ExcludeHosts(hosts []string) {
	s := r.selectBody()

	for _, host := range hosts {
		if s == nil {
			r.Sections = append(r.Sections, section{Name: selectSection})
			s = &r.Sections[len(r.Sections)-1]
		}

		if !s.excludes(host) {
			s.and(hostExclusion(host))
		}
	}
}

// hostExclusion is the term `hname!='host'`.
func hostExclusion(host string) []parser.Token {
	return []parser.Token{
		{Type: tokenWord, Data: hostNameKey},
		{Type: tokenOperator, Data: "!="},
		{Type: tokenString, Data: "'" + host + "'"},
	}
}

// and appends the term to the end of the section with &&. If the section has
// any other top-level logic operators in it, the existing body is first put
// in parentheses so that the new term applies to all of it.
func (s *section) and(term []parser.Token) {
	body := trim(s.Body)

	if len(body) == 0 {
		s.Body = term

		return
	}

	if !onlyAnds(body) {
		wrapped := make([]parser.Token, 0, len(body)+2)
		wrapped = append(wrapped, parser.Token{Type: tokenOperator, Data: "("})
		wrapped = append(wrapped, body...)
		body = append(wrapped, parser.Token{Type: tokenOperator, Data: ")"})
	}

	joined := make([]parser.Token, 0, len(body)+len(term)+3)
	joined = append(joined, body...)
	joined = append(joined,
		parser.Token{Type: tokenWhitespace, Data: " "},
		parser.Token{Type: tokenOperator, Data: "&&"},
		parser.Token{Type: tokenWhitespace, Data: " "},
	)
	s.Body = append(joined, term...)
}

// onlyAnds tells you if && is the only top-level logic operator.
func onlyAnds(tokens []parser.Token) bool {
	depth := 0

	for _, tk := range tokens {
		if depth == 0 && tk.Type == tokenOperator {
			switch tk.Data {
			case "||", ":", ",", "/":
				return false
			}
		}

		depth += nesting(tk)
	}

	return true
}

// excludes tells you if the section already has a top-level `hname!='host'`
// term.
func (s *section) excludes(host string) bool {
	var terms []parser.Token

	depth := 0

	for _, tk := range s.Body {
		if depth == 0 && tk.Type != tokenWhitespace {
			terms = append(terms, tk)
		}

		depth += nesting(tk)
	}

	for i := 0; i+2 < len(terms); i++ {
		if terms[i].Type != tokenWord || terms[i].Data != hostNameKey || !isOperator(terms[i+1], "!=") {
			continue
		}

		if v := terms[i+2]; (v.Type == tokenString || v.Type == tokenWord) && strings.Trim(v.Data, `'"`) == host {
			return true
		}
	}

	return false
}

// spliceExclusions is used for resource strings we can't parse: the terms are
// inserted textually before the closing bracket of the first select section,
// or a new select section is appended.
func spliceExclusions(resource string, hosts []string) string {
	terms := make([]string, len(hosts))
	for i, host := range hosts {
		terms[i] = hostNameKey + "!='" + host + "'"
	}

	joined := strings.Join(terms, " && ")

	if start := strings.Index(resource, "select["); start >= 0 {
		if end := strings.Index(resource[start:], "]"); end >= 0 {
			at := start + end

			return resource[:at] + " && " + joined + resource[at:]
		}
	}

	if strings.TrimSpace(resource) == "" {
		return "select[" + joined + "]"
	}

	return resource + " select[" + joined + "]"
}
