// Package llm is the model-provider layer: a small client that routes
// requests to named backends and exposes blocking completion and
// cancellable streaming with distinct end-of-stream and error signals.
//
// # Architecture
//
// The package is organized in three layers:
//
//   - Backend: the interface every provider implementation satisfies
//     (Complete + Stream). Two implementations ship here: GollmBackend
//     for hosted cloud providers via gollm, and OpenAICompatBackend for
//     local OpenAI-compatible servers such as Ollama or LM Studio.
//   - Client: holds registered backends keyed by name ("cloud",
//     "local"), resolves the backend per request, and applies the retry
//     policy to blocking completions. Streaming calls are never retried
//     here; a broken stream is surfaced to the caller.
//   - Catalog: a static table of known model ids with provider and
//     context-window metadata, used to resolve aliases and defaults.
//
// # Quick Start
//
//	cloud, err := llm.NewGollmBackend("anthropic", "",
//		llm.WithModel("claude-sonnet-4-5"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	client := llm.NewClient(
//		llm.WithBackend(llm.BackendCloud, cloud),
//	)
//	defer client.Close()
//
//	events, err := client.Stream(ctx, llm.Request{
//		Messages: []llm.Message{llm.UserMessage("hello")},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	for ev := range events {
//		switch ev.Type {
//		case llm.StreamDelta:
//			fmt.Print(ev.Delta)
//		case llm.StreamError:
//			log.Fatal(ev.Err)
//		}
//	}
package llm
