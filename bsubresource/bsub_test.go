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


package bsubresource

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"vimagination.zapto.org/parser"
)

func TestBsubTokeniser(t *testing.T) {
	Convey("Given a bsub resource string, you can tokenise it", t, func() {
		for _, test := range [...]struct {
			Input  string
			Output []parser.Token
		}{
			{
				"",
				nil,
			},
			{
				"abc 0.5GB",
				[]parser.Token{
					{Type: tokenWord, Data: "abc"},
					{Type: tokenWhitespace, Data: " "},
					{Type: tokenNumber, Data: "0.5GB"},
				},
			},
			{
				`select[hname!='a-1' || type=="x"]`,
				[]parser.Token{
					{Type: tokenWord, Data: "select"},
					{Type: tokenOperator, Data: "["},
					{Type: tokenWord, Data: "hname"},
					{Type: tokenOperator, Data: "!="},
					{Type: tokenString, Data: "'a-1'"},
					{Type: tokenWhitespace, Data: " "},
					{Type: tokenOperator, Data: "||"},
					{Type: tokenWhitespace, Data: " "},
					{Type: tokenWord, Data: "type"},
					{Type: tokenOperator, Data: "=="},
					{Type: tokenString, Data: `"x"`},
					{Type: tokenOperator, Data: "]"},
				},
			},
			{
				"span[gtile=!]",
				[]parser.Token{
					{Type: tokenWord, Data: "span"},
					{Type: tokenOperator, Data: "["},
					{Type: tokenWord, Data: "gtile"},
					{Type: tokenOperator, Data: "="},
					{Type: tokenWord, Data: "!"},
					{Type: tokenOperator, Data: "]"},
				},
			},
		} {
			tokens, err := tokenise(test.Input)
			So(err, ShouldBeNil)
			So(tokens, ShouldResemble, test.Output)
		}

		Convey("Bad groupings, quotes and operators are errors", func() {
			for _, bad := range []string{"[)", "(]", "select[a", "'abc", "a & b", "a ~ b"} {
				_, err := tokenise(bad)
				So(err, ShouldNotBeNil)
			}
		})
	})
}

func TestBsubParser(t *testing.T) {
	Convey("Given a bsub resource string, you can parse and print it", t, func() {
		for _, test := range [...]struct {
			Input  string
			Output string
		}{
			{},
			{
				Input:  " avx ",
				Output: "avx",
			},
			{
				Input:  "rhel6 || rhel7",
				Output: "rhel6 || rhel7",
			},
			{
				Input:  "swp > 15 && hpux   order[ut]",
				Output: "swp > 15 && hpux order[ut]",
			},
			{
				Input:  "select[type==any]order[ut] same [model]  rusage[mem=1]",
				Output: "select[type==any] order[ut] same[model] rusage[mem=1]",
			},
			{
				Input:  "rusage[mem=(50 10):duration=(10):decay=(0)]",
				Output: "rusage[mem=(50 10):duration=(10):decay=(0)]",
			},
			{
				Input: "1*{span[gtile=!] rusage[ngpus_physical=2:gmem=1G]} + " +
					"4*{span[ptile=1] rusage[ngpus_physical=1:gmem=10G]}",
				Output: "1*{span[gtile=!] rusage[ngpus_physical=2:gmem=1G]} + " +
					"4*{span[ptile=1] rusage[ngpus_physical=1:gmem=10G]}",
			},
		} {
			r, err := ParseBsubR(test.Input)
			So(err, ShouldBeNil)
			So(r.String(), ShouldEqual, test.Output)
		}
	})

	Convey("Sections are named, with bare expressions left unnamed", t, func() {
		r, err := ParseBsubR("mem > 100 span[hosts=1] select[avx]")
		So(err, ShouldBeNil)
		So(len(r.Sections), ShouldEqual, 3)
		So(r.Sections[0].Name, ShouldEqual, "")
		So(r.Sections[1].Name, ShouldEqual, "span")
		So(r.Sections[2].Name, ShouldEqual, selectSection)
		So(r.selectBody(), ShouldEqual, &r.Sections[0])

		Convey("Compound requirements don't count as a select", func() {
			r, err = ParseBsubR("1*{select[a]} + 2*{select[b]}")
			So(err, ShouldBeNil)
			So(len(r.Sections), ShouldEqual, 1)
			So(r.selectBody(), ShouldBeNil)
			So(ExcludeHosts("1*{select[a]} + 2*{select[b]}", []string{"h1"}), ShouldEqual,
				"1*{select[a]} + 2*{select[b]} select[hname!='h1']")
		})
	})

	Convey("Unparseable strings are an error", t, func() {
		r, err := ParseBsubR("select[a")
		So(err, ShouldNotBeNil)
		So(r, ShouldBeNil)
	})
}
