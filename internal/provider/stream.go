package provider

import (
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
)

type recvResult struct {
	msg *schema.Message
	err error
}

// Stream is a finite, single-pass sequence of normalized deltas. Recv
// yields text deltas in arrival order, then exactly one End delta, then
// io.EOF. It is not restartable.
type Stream struct {
	vendor       string
	ch           chan recvResult
	quit         chan struct{}
	closeOnce    sync.Once
	closeInner   func()
	firstTimeout time.Duration
	waitingFirst bool
	tokens       int
	done         bool
}

// NewStream pumps an eino stream reader into a normalized delta sequence.
func NewStream(vendor string, sr *schema.StreamReader[*schema.Message], firstTimeout time.Duration) *Stream {
	s := &Stream{
		vendor:       vendor,
		ch:           make(chan recvResult, 8),
		quit:         make(chan struct{}),
		closeInner:   sr.Close,
		firstTimeout: firstTimeout,
		waitingFirst: true,
	}
	go func() {
		for {
			msg, err := sr.Recv()
			select {
			case s.ch <- recvResult{msg: msg, err: err}:
			case <-s.quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return s
}

// Recv returns the next delta. After the End delta it returns io.EOF;
// any other failure is reported as an *Error and terminates the stream.
func (s *Stream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}
	for {
		var res recvResult
		if s.waitingFirst && s.firstTimeout > 0 {
			timer := time.NewTimer(s.firstTimeout)
			select {
			case res = <-s.ch:
				timer.Stop()
			case <-timer.C:
				s.done = true
				s.Close()
				return Delta{}, &Error{Vendor: s.vendor, Err: ErrTimeout}
			}
		} else {
			res = <-s.ch
		}

		if res.err != nil {
			s.done = true
			if res.err == io.EOF {
				return Delta{End: true, TokenCount: s.tokens}, nil
			}
			return Delta{}, &Error{Vendor: s.vendor, Err: res.err}
		}
		s.waitingFirst = false
		if res.msg == nil {
			continue
		}
		if res.msg.ResponseMeta != nil && res.msg.ResponseMeta.Usage != nil {
			s.tokens = res.msg.ResponseMeta.Usage.TotalTokens
		}
		if res.msg.Content == "" {
			continue
		}
		return Delta{Text: res.msg.Content}, nil
	}
}

// Close releases the underlying stream. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.closeInner != nil {
			s.closeInner()
		}
	})
}

// Vendor reports which adapter produced the stream.
func (s *Stream) Vendor() string {
	return s.vendor
}
