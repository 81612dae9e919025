/*
 * ppujit - Command line parser.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package parser implements the interactive console's abbreviation-matching
// command dispatcher: each command need only be typed far enough to be
// unambiguous against the rest of cmdList.
package parser

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/rcornwell/ppujit/core"
)

type cmd struct {
	name     string // Command name.
	min      int    // Minimum match size.
	process  func(*cmdLine, *core.Core) (bool, error)
	complete func(*cmdLine) []string
	help     string
}

type cmdLine struct {
	line string // Current command.
	pos  int    // Position in line.
}

// ProcessCommand executes one line of console input. The returned bool is
// true when the console should exit.
func ProcessCommand(commandLine string, c *core.Core) (bool, error) {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	match := matchList(name)
	if len(match) == 0 {
		return false, errors.New("command not found: " + name)
	}
	if len(match) > 1 {
		return false, errors.New("ambiguous command: " + name)
	}

	return match[0].process(&line, c)
}

// CompleteCmd returns the liner completion candidates for commandLine.
func CompleteCmd(commandLine string) []string {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	if !line.isEOL() && line.line[line.pos] == ' ' {
		line.skipSpace()
		match := matchList(name)
		if len(match) != 1 || match[0].complete == nil {
			return nil
		}
		return match[0].complete(&line)
	}

	match := matchList(name)
	matches := make([]string, len(match))
	for i, m := range match {
		matches[i] = m.name
	}
	return matches
}

// matchCommand reports whether command is a prefix of match.name at least
// match.min characters long.
func matchCommand(match cmd, command string) bool {
	if len(command) > len(match.name) {
		return false
	}
	l := 0
	for l = range len(command) {
		if match.name[l] != command[l] {
			return false
		}
	}
	return l+1 >= match.min
}

// matchList returns every cmdList entry command is an unambiguous-enough
// prefix of.
func matchList(command string) []cmd {
	if command == "" {
		return nil
	}
	var match []cmd
	for _, m := range cmdList {
		if matchCommand(m, command) {
			match = append(match, m)
		}
	}
	return match
}

func (line *cmdLine) skipSpace() {
	for line.pos < len(line.line) && unicode.IsSpace(rune(line.line[line.pos])) {
		line.pos++
	}
}

func (line *cmdLine) isEOL() bool {
	if line.pos >= len(line.line) {
		return true
	}
	return line.line[line.pos] == '#'
}

func (line *cmdLine) getNext() byte {
	line.pos++
	if line.isEOL() {
		return 0
	}
	return line.line[line.pos]
}

// getWord reads one lowercase alphabetic token, leaving line.pos unmoved
// if the next token isn't purely alphabetic.
func (line *cmdLine) getWord() string {
	line.skipSpace()
	if line.isEOL() {
		return ""
	}

	start := line.pos
	var b strings.Builder
	by := line.line[line.pos]
	for {
		if !unicode.IsLetter(rune(by)) {
			line.pos = start
			return ""
		}
		b.WriteByte(by)
		by = line.getNext()
		if line.isEOL() || unicode.IsSpace(rune(by)) {
			break
		}
	}
	return strings.ToLower(b.String())
}

// getHex reads one hexadecimal argument, defaulting defaultVal when the
// line has nothing left.
func (line *cmdLine) getHex(defaultVal uint64) (uint64, error) {
	line.skipSpace()
	if line.isEOL() {
		return defaultVal, nil
	}
	start := line.pos
	for !line.isEOL() && !unicode.IsSpace(rune(line.line[line.pos])) {
		line.pos++
	}
	tok := strings.TrimPrefix(strings.ToLower(line.line[start:line.pos]), "0x")
	v, err := strconv.ParseUint(tok, 16, 64)
	if err != nil {
		return 0, errors.New("invalid hex address: " + line.line[start:line.pos])
	}
	return v, nil
}

// getInt reads one decimal argument, defaulting defaultVal when the line
// has nothing left.
func (line *cmdLine) getInt(defaultVal int) (int, error) {
	line.skipSpace()
	if line.isEOL() {
		return defaultVal, nil
	}
	start := line.pos
	for !line.isEOL() && !unicode.IsSpace(rune(line.line[line.pos])) {
		line.pos++
	}
	v, err := strconv.Atoi(line.line[start:line.pos])
	if err != nil {
		return 0, errors.New("invalid number: " + line.line[start:line.pos])
	}
	return v, nil
}
