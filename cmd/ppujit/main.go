/*
 * ppujit - Main process.
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

// Command ppujit is the host-test binary: it loads a config file, stands
// up a Core and one Executor (pinned when --pin is given), and drops into the interactive
// console so a developer can disassemble, step, and inspect the translator
// without a real PS3 title or host binding attached.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	getopt "github.com/pborman/getopt/v2"

	config "github.com/rcornwell/ppujit/config/configparser"
	"github.com/rcornwell/ppujit/command/reader"
	"github.com/rcornwell/ppujit/core"
	"github.com/rcornwell/ppujit/exec/crashguard"
	"github.com/rcornwell/ppujit/exec/executor"
	"github.com/rcornwell/ppujit/exec/scheduler"
	"github.com/rcornwell/ppujit/shader"
	logger "github.com/rcornwell/ppujit/util/logger"

	_ "github.com/rcornwell/ppujit/config/debugconfig"
)

var Logger *slog.Logger

func main() {
	optConfig := getopt.StringLong("config", 'c', "ppujit.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optShaderDir := getopt.StringLong("shader-dir", 's', "", "Shader artifact cache directory (disabled if empty)")
	optPin := getopt.BoolLong("pin", 'p', "Pin the executor thread to a performance core")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelDebug)
	debugOn := false
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debugOn))
	slog.SetDefault(Logger)

	Logger.Info("ppujit started")

	if _, err := os.Stat(*optConfig); err == nil {
		if err := config.LoadConfigFile(*optConfig); err != nil {
			Logger.Error("loading config file", "err", err)
			os.Exit(1)
		}
	} else {
		Logger.Warn("no configuration file found, using defaults", "path", *optConfig)
	}

	// Install the Crash Guard before anything touches the memory window
	// or a compiled block. Install covers this goroutine only; each
	// crashguard.Run enables the same conversion on the goroutine that
	// runs it, so the Executor's goroutine is covered inside its guards.
	crashguard.Install()

	var shaderOpts *shader.Options
	if *optShaderDir != "" {
		shaderOpts = &shader.Options{Dir: *optShaderDir}
	}

	c, err := core.New(core.Options{
		Log:    Logger,
		Shader: shaderOpts,
	})
	if err != nil {
		Logger.Error("starting core", "err", err)
		os.Exit(1)
	}
	defer c.Close()

	topo := scheduler.Detect()
	if *optPin {
		Logger.Info("host topology", "performance_cpus", len(topo.Performance), "efficiency_cpus", len(topo.Efficiency))
	}

	exec0 := executor.New("ppu_block", 0, c.Cache, c.Baseline, c.Mem, c.Promoter, c.CPU, Logger)
	exec0.Topology = topo
	exec0.Pin = *optPin
	exec0.Runnable = c.IsRunning

	// The guest starts halted; the console's "start" command flips the
	// running flag the Executor's loop gates on.
	execDone := make(chan error, 1)
	go func() {
		execDone <- exec0.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	consoleDone := make(chan struct{})
	go func() {
		reader.ConsoleReader(c)
		close(consoleDone)
	}()

	execAlreadyDone := false
	select {
	case <-sigChan:
		Logger.Info("got quit signal")
	case <-consoleDone:
		Logger.Info("console exited")
	case err := <-execDone:
		execAlreadyDone = true
		if err != nil {
			Logger.Error("executor stopped", "err", err)
		}
	}

	Logger.Info("shutting down executor")
	exec0.Stop()
	c.SendStop()
	if !execAlreadyDone {
		<-execDone
	}
	Logger.Info("shutdown complete")
}
