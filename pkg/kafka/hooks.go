package kafka

import (
	"context"
	"fmt"
)

// ConsumerHook observes message handling. Returning an error from
// BeforeHandle skips the handler and treats the message as failed.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, data []byte) (context.Context, error)
	AfterHandle(ctx context.Context, topic string, data []byte, err error)
}

// NoopHook does nothing.
type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, _ string, _ []byte) (context.Context, error) {
	return ctx, nil
}

func (NoopHook) AfterHandle(context.Context, string, []byte, error) {}

// HookFuncs adapts plain functions to ConsumerHook. Nil functions are no-ops.
type HookFuncs struct {
	Before func(context.Context, string, []byte) (context.Context, error)
	After  func(context.Context, string, []byte, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, topic string, data []byte) (context.Context, error) {
	if h.Before == nil {
		return ctx, nil
	}
	return h.Before(ctx, topic, data)
}

func (h HookFuncs) AfterHandle(ctx context.Context, topic string, data []byte, err error) {
	if h.After != nil {
		h.After(ctx, topic, data, err)
	}
}

// safeBefore runs BeforeHandle, turning a panic into an error.
func safeBefore(h ConsumerHook, ctx context.Context, topic string, data []byte) (out context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = ctx, fmt.Errorf("hook panic: %v", r)
		}
	}()
	return h.BeforeHandle(ctx, topic, data)
}

func safeAfter(h ConsumerHook, ctx context.Context, topic string, data []byte, err error) {
	defer func() { _ = recover() }()
	h.AfterHandle(ctx, topic, data, err)
}
