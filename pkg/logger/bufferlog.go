// Package logger implements a per-batch in-memory log buffer.
//
// Detailed lines are buffered while an ingest batch is being processed. On
// failure the buffer is replayed followed by the final error, so the log
// shows the whole story for exactly the batches that went wrong. On success
// the buffer is dropped and a single short line is written.
//
// Thread safety comes from a dedicated logger goroutine and a command
// channel; no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	batchID string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushError
	when    time.Time // timestamp, kept for ordering
}

// Command channel with headroom for bursts.
var ch = make(chan cmd, 128)

// Begin starts buffering for a batch.
func Begin(batchID string) { ch <- cmd{act: actBegin, batchID: batchID, when: time.Now()} }

// Append adds one detailed line to the batch buffer. Lines for unknown
// batches are written through immediately.
func Append(batchID, msg string) {
	ch <- cmd{act: actAppend, batchID: batchID, message: msg, when: time.Now()}
}

// Success drops the buffer and writes a single short line.
func Success(batchID, summary string) {
	ch <- cmd{act: actSuccess, batchID: batchID, summary: summary, when: time.Now()}
}

// FlushError replays the accumulated buffer followed by the final error.
func FlushError(batchID string, err error) {
	ch <- cmd{act: actFlushErr, batchID: batchID, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.batchID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.batchID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message)
			}

		case actSuccess:
			log.Printf("[%-8s][ingest] %s", c.batchID, c.summary)
			delete(buffers, c.batchID)

		case actFlushErr:
			if b := buffers[c.batchID]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.batchID)
			}
			log.Printf("[%-8s][ERROR] %v", c.batchID, c.err)
		}
	}
}
