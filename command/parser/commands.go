/*
 * ppujit - Console command table.
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

package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rcornwell/ppujit/core"
	"github.com/rcornwell/ppujit/util/hex"
)

var cmdList []cmd

func init() {
	cmdList = []cmd{
		{name: "disassemble", min: 4, process: disassemble, help: "disassemble [addr] - decode the instruction at addr (default: current pc)"},
		{name: "dump", min: 2, process: dump, help: "dump [addr] [count] - hex-dump count words of guest memory starting at addr"},
		{name: "step", min: 2, process: step, help: "step [n] - execute n instructions (default 1) through the tier-0 interpreter"},
		{name: "start", min: 3, process: start, help: "start - mark the guest CPU runnable"},
		{name: "stop", min: 3, process: stop, help: "stop - halt the guest CPU"},
		{name: "continue", min: 1, process: cont, help: "continue - alias for start"},
		{name: "drain", min: 2, process: drain, help: "drain - force a full JIT block-cache drain"},
		{name: "shaderstats", min: 2, process: shaderStats, help: "shaderstats - print L1/L2/L3 shader cache occupancy"},
		{name: "help", min: 1, process: help, help: "help - list commands"},
		{name: "quit", min: 1, process: quit, help: "quit - exit the console"},
	}
}

func disassemble(line *cmdLine, c *core.Core) (bool, error) {
	addr, err := line.getHex(c.CPU.PC)
	if err != nil {
		return false, err
	}
	d, err := c.DecodeAt(addr)
	if err != nil {
		return false, err
	}
	fmt.Printf("%016x: %08x  kind=%d rt=%d ra=%d rb=%d simm=%d disp26=%d\n",
		addr, d.Raw, d.Kind, d.RT, d.RA, d.RB, d.SImm, d.BranchDisp26)
	return false, nil
}

func dump(line *cmdLine, c *core.Core) (bool, error) {
	addr, err := line.getHex(c.CPU.PC)
	if err != nil {
		return false, err
	}
	count, err := line.getInt(8)
	if err != nil {
		return false, err
	}
	b, err := c.Mem.Translate(addr, count*4)
	if err != nil {
		return false, err
	}
	words := make([]uint32, count)
	for i := range words {
		off := i * 4
		words[i] = uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
	}
	for i := 0; i < len(words); i += 4 {
		end := min(i+4, len(words))
		var sb strings.Builder
		hex.FormatWord(&sb, words[i:end])
		fmt.Printf("%016x: %s\n", addr+uint64(i*4), sb.String())
	}
	return false, nil
}

func step(line *cmdLine, c *core.Core) (bool, error) {
	n, err := line.getInt(1)
	if err != nil {
		return false, err
	}
	for i := 0; i < n; i++ {
		if err := c.StepInterpreted(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func start(_ *cmdLine, c *core.Core) (bool, error) {
	c.SendStart()
	slog.Info("guest CPU running")
	return false, nil
}

func stop(_ *cmdLine, c *core.Core) (bool, error) {
	c.SendStop()
	slog.Info("guest CPU halted")
	return false, nil
}

func cont(line *cmdLine, c *core.Core) (bool, error) {
	return start(line, c)
}

func drain(_ *cmdLine, c *core.Core) (bool, error) {
	if err := c.Drain(); err != nil {
		return false, err
	}
	fmt.Printf("block cache: %d live blocks\n", c.Cache.Len())
	return false, nil
}

func shaderStats(_ *cmdLine, c *core.Core) (bool, error) {
	if c.Shader == nil {
		fmt.Println("shader cache disabled")
		return false, nil
	}
	s := c.Shader.Stats()
	fmt.Printf("shader cache: l1=%d l2=%d l3=%d\n", s.L1Entries, s.L2Files, s.L3Records)
	return false, nil
}

func help(_ *cmdLine, _ *core.Core) (bool, error) {
	for _, m := range cmdList {
		fmt.Println(m.help)
	}
	return false, nil
}

func quit(_ *cmdLine, _ *core.Core) (bool, error) {
	return true, nil
}
