package rabbitmq

import (
	"context"
	"errors"
)

// WithChannel opens a channel, runs fn with it and closes it again however
// fn returns, including by panic. A close failure is joined to fn's error.
func WithChannel(ctx context.Context, conn *Connection, fn func(*Channel) error) (err error) {
	ch, err := conn.NewChannelWithContext(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			ch.Abort()
			panic(r)
		}
		if closeErr := ch.Close(); closeErr != nil && !errors.Is(closeErr, ErrAlreadyClosed) {
			err = errors.Join(err, closeErr)
		}
	}()

	return fn(ch)
}
