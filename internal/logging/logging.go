package logging

import (
	"io"
	"log"
	"os"
)

// Init sets up global logging to the named file and returns it for the
// caller to Close. With verbose set, log lines are mirrored to stdout.
func Init(path string, verbose bool) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, err
	}
	if verbose {
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	} else {
		log.SetOutput(f)
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	return f, nil
}
