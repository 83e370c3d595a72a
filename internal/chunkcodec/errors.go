package chunkcodec

import "fmt"

// UpstreamReadError wraps a failure reading the next chunk from the input
// sequence.
type UpstreamReadError struct {
	Err error
}

func (e *UpstreamReadError) Error() string { return fmt.Sprintf("chunkcodec: upstream read: %v", e.Err) }
func (e *UpstreamReadError) Unwrap() error { return e.Err }

// BusWriteError wraps a rejected publish/append/update call.
type BusWriteError struct {
	Op  string
	Err error
}

func (e *BusWriteError) Error() string { return fmt.Sprintf("chunkcodec: bus %s: %v", e.Op, e.Err) }
func (e *BusWriteError) Unwrap() error { return e.Err }

// TransportError wraps a subscribe-side routing failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("chunkcodec: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
