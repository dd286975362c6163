package connectors

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// streamModel adapts a langchaingo model call into the Chunk channel
// contract shared by every adapter built on llms.Model. classify turns a
// generation failure into the in-band error for that provider; cancellation
// by the consumer ends the stream silently.
func streamModel(ctx context.Context, llm llms.Model, req Request, callOpts []llms.CallOption, classify func(error) *StreamError) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		messages := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, req.System),
			llms.TextParts(llms.ChatMessageTypeHuman, req.User),
		}

		opts := append([]llms.CallOption{
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !send(ctx, out, Chunk{Text: string(chunk)}) {
					return ctx.Err()
				}
				return nil
			}),
		}, callOpts...)

		if _, err := llm.GenerateContent(ctx, messages, opts...); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, out, Chunk{Err: classify(err)})
		}
	}()

	return out
}
