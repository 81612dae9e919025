/*
 * ppujit - Debug toggle configuration.
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

// Package debugconfig lets a subsystem register a named debug toggle at
// init() time (jit.disable_optimizing, jit.force_interpreter,
// mem.log_faults, shader.disable_l3, ...) and have it driven from the
// "debug" line of a loaded config file, without this package knowing any
// subsystem's name in advance.
package debugconfig

import (
	"errors"
	"strings"

	config "github.com/rcornwell/ppujit/config/configparser"
)

// Toggle is a subsystem-owned debug switch. Apply receives the raw
// option value (empty string for a bare switch, the text after '=' or a
// comma-list entry otherwise) and decides what it means.
type Toggle struct {
	Name  string
	Apply func(value string) error
}

var toggles = map[string]*Toggle{}

// Register adds a named toggle. Subsystems call this from their own
// init(), so registration lives with the subsystem rather than the
// parser knowing every subsystem's name up front.
func Register(name string, apply func(value string) error) {
	toggles[strings.ToLower(name)] = &Toggle{Name: name, Apply: apply}
}

func init() {
	config.RegisterModel("DEBUG", config.TypeOptions, setDebug)
}

// setDebug is the DEBUG line's create callback: "debug jit
// force_interpreter". Each option names one toggle; its "=value" and any
// comma-list entries after it are all passed to that same toggle's Apply.
func setDebug(_ uint16, subsystem string, options []config.Option) error {
	for _, opt := range options {
		name := strings.ToLower(subsystem) + "." + strings.ToLower(opt.Name)
		t, ok := toggles[name]
		if !ok {
			return errors.New("debugconfig: no such toggle: " + name)
		}
		value := opt.EqualOpt
		if err := t.Apply(value); err != nil {
			return err
		}
		for _, v := range opt.Value {
			if err := t.Apply(*v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Names reports every registered toggle name, sorted by nothing in
// particular.
func Names() []string {
	names := make([]string, 0, len(toggles))
	for _, t := range toggles {
		names = append(names, t.Name)
	}
	return names
}
