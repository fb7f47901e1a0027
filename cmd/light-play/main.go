// light-play streams an Apple Lossless (M4A) file to an AirPort
// Express receiver.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	lightplay "github.com/ErikOnBike/light-play"
	"github.com/ErikOnBike/light-play/pkg/m4a"
)

func parseLogLevel(s string) (lightplay.LogLevel, bool) {
	switch s {
	case "d", "debug":
		return lightplay.LogLevelDebug, true
	case "i", "info":
		return lightplay.LogLevelInfo, true
	case "w", "warn":
		return lightplay.LogLevelWarn, true
	case "e", "error":
		return lightplay.LogLevelError, true
	}
	return 0, false
}

func run() int {
	port := flag.Int("p", 5000, "number of the receiver's AirTunes port")
	password := flag.String("c", "", "password for using the receiver")
	volume := flag.Float64("volume", lightplay.VolumeDefault, "playback volume, 0 (muted) to 30")
	offset := flag.Int("o", 0, "offset (in seconds) from the begin of the file where to start playing")
	verbosity := flag.String("v", "warn", "logging verbosity (error, warn, info, debug)")
	logFileName := flag.String("l", "", "write the log to the given file instead of stderr")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] <host> <filename>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		return 1
	}
	host := flag.Arg(0)
	fileName := flag.Arg(1)

	logLevel, ok := parseLogLevel(*verbosity)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown verbosity %q\n", *verbosity)
		return 1
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if *logFileName != "" {
		f, err := os.Create(*logFileName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logger.SetOutput(f)
	}
	logFunc := func(level lightplay.LogLevel, format string, args ...interface{}) {
		if level >= logLevel {
			logger.Printf("["+level.String()+"] "+format, args...)
		}
	}

	logFunc(lightplay.LogLevelInfo, "going to play file '%s' on host '%s:%d'", fileName, host, *port)

	file, err := m4a.Open(fileName)
	if err != nil {
		logFunc(lightplay.LogLevelError, "cannot open file: %v", err)
		return 1
	}
	defer file.Close()

	if err := file.Parse(); err != nil {
		logFunc(lightplay.LogLevelError, "cannot parse file: %v", err)
		return 1
	}
	for _, w := range file.Warnings() {
		logFunc(lightplay.LogLevelWarn, "parser: %s", w)
	}
	if file.Encoding() != m4a.EncodingALAC {
		logFunc(lightplay.LogLevelWarn,
			"file does not contain Apple Lossless audio; the receiver might refuse or garble it")
	}

	c := &lightplay.Client{
		Host:     host,
		Port:     *port,
		Password: *password,
		Log:      logFunc,
	}

	if err := c.Start(); err != nil {
		logFunc(lightplay.LogLevelError, "cannot connect to receiver: %v", err)
		return 1
	}
	defer c.Close()

	c.SetVolume(*volume) //nolint:errcheck

	if err := c.Play(file, time.Duration(*offset)*time.Second); err != nil {
		logFunc(lightplay.LogLevelError, "cannot play file: %v", err)
		return 1
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)

	finished := make(chan struct{})
	go func() {
		c.Wait()
		close(finished)
	}()

	select {
	case <-interrupted:
		logFunc(lightplay.LogLevelInfo, "progress so far: %v", c.Progress())
		logFunc(lightplay.LogLevelWarn, "stop playing before end of file on user request")
	case <-finished:
	}

	if err := c.Stop(); err != nil {
		logFunc(lightplay.LogLevelError, "cannot stop cleanly: %v", err)
		return 1
	}

	return 0
}

func main() {
	os.Exit(run())
}
