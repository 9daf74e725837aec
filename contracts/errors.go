package contracts

import (
	"fmt"
	"time"
)

// Response is a piece of data a module attached to a message it handled.
type Response struct {
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Get returns the value stored under key, if any.
func (r Response) Get(key string) (any, bool) {
	if r.Data == nil {
		return nil, false
	}
	v, ok := r.Data[key]
	return v, ok
}

// Failure is an error a module attached to a message it could not handle.
// The dispatcher never interprets it; it is delivered to the message source.
type Failure struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Error implements the error interface so failures can be logged and wrapped.
func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Source, f.Text)
}
