package bridge

import (
	"context"
	"errors"
	"io"
)

// Pipe forwards messages client -> proc and proc -> client until either
// direction ends or ctx is cancelled. The first direction to finish stops the
// other: proc is closed and client is interrupted (or closed when it cannot
// be interrupted). Pipe returns once both directions have stopped, with the
// error that ended the first one; end of stream is not an error.
func Pipe(ctx context.Context, client, proc Stream) error {
	errc := make(chan error, 2)
	go func() { errc <- forward(proc, client) }()
	go func() { errc <- forward(client, proc) }()

	var first error
	pending := 2
	select {
	case first = <-errc:
		pending--
	case <-ctx.Done():
	}

	proc.Close()
	if in, ok := client.(Interrupter); ok {
		in.Interrupt()
	} else {
		client.Close()
	}

	for ; pending > 0; pending-- {
		<-errc
	}
	return first
}

func forward(dst, src Stream) error {
	for {
		p, err := src.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(p) == 0 {
			continue
		}
		if err := dst.Write(p); err != nil {
			return err
		}
	}
}
