// Package lib provides a Go SDK for submitting and tracking generative media
// jobs programmatically.
//
// This package embeds the same task runtime as the genq CLI and HTTP API:
// submissions are validated against the supported job kinds, sent to the
// provider queue with retries and a circuit breaker, and tracked in the
// background until they finish.
//
// # Quick Start
//
// Create a client, submit a job and wait for its result:
//
//	client, err := lib.New(ctx, lib.Config{FalKey: os.Getenv("FAL_KEY")})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	task, err := client.SubmitTask(ctx, lib.SubmitTaskOpts{
//	    Kind:      "flux_pro",
//	    Arguments: map[string]any{"prompt": "a lighthouse at dawn"},
//	})
//	done, err := client.AwaitResult(ctx, task.ID, nil)
//	fmt.Println(done.Result["images"])
//
// Up to [MaxBatchItems] tasks can be submitted at once with
// [Client.SubmitBatch], each item gets its own [BatchResult].
//
// # Tracking
//
// Tasks are tracked in the background once submitted. Their snapshots can be
// polled with [Client.GetStatus], listed with [Client.ListTasks] or followed
// with [Client.StreamUpdates]:
//
//	for task, err := range client.StreamUpdates(ctx, id) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(task.Status, task.Progress)
//	}
//
// Tasks are kept in a SQLite database by default (~/.genq/genq.db), so they
// survive restarts. Call [Client.Recover] after [New] to resume the tracking
// of the tasks that didn't finish in a previous run. Set [Config].InMemory to
// keep them in memory only.
//
// # Inputs
//
// Local files referenced in the arguments of a submission (absolute paths or
// file:// URLs) are uploaded before submitting. Uploads are cached by content,
// so the same input is only uploaded once:
//
//	up, _ := client.UploadFile(ctx, "/tmp/frame.png")
//	fmt.Println(up.URL, up.Cached)
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: The task does not exist.
//   - [ErrNotValid]: Invalid input (unknown kind, bad arguments...).
//   - [ErrAuthentication]: The provider rejected the credentials.
//   - [ErrRateLimited]: The provider throttled the caller after all retries.
//   - [ErrTransient]: Network failure after all retries.
//   - [ErrProviderFailure]: The provider failed the job.
//   - [ErrCircuitOpen]: The provider endpoint is failing and calls are rejected.
//   - [ErrCancelled]: The task was cancelled.
//
// [ErrorKindOf] returns the stable error classification shared with the CLI
// and the HTTP API.
//
// # Testing
//
// Use [ProviderFake] and an in memory store to write tests without network
// calls or credentials:
//
//	client, _ := lib.New(ctx, lib.Config{
//	    Provider: lib.ProviderFake,
//	    InMemory: true,
//	})
//	defer client.Close()
//
// # Thread Safety
//
// A [Client] is safe for concurrent use from multiple goroutines.
package lib
