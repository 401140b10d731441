// Package sockbridge lets a Go host call functions inside a separate worker
// process over a Unix domain socket, using a line-delimited text protocol.
//
// # Protocol
//
// The host spawns the worker with `--addr <socket path>`. The worker binds the
// socket and prints ACK on stdout; anything it writes to stderr before that
// fails the startup. Calls and responses are newline-terminated frames:
//
//	host → worker:  <id>;<function>;<json payload>\n
//	worker → host:  <id>;<json result>\n
//
// A result object carrying an "error" property rejects the call. A result that
// is not valid JSON is delivered as the raw string.
//
// # Quick Start
//
// Worker process:
//
//	type MathWorker struct {
//	    *sockbridge.Worker
//	}
//
//	type AddArgs struct{ A, B int }
//
//	func (w *MathWorker) Add(args AddArgs) (map[string]int, error) {
//	    return map[string]int{"result": args.A + args.B}, nil
//	}
//
//	func main() {
//	    worker := &MathWorker{Worker: sockbridge.NewWorker()}
//	    worker.SetSelf(worker)
//	    if err := worker.Run(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// Host process (spawn mode):
//
//	client, err := sockbridge.New(sockbridge.Config{ExecutablePath: "./math_worker"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	result, err := client.Call(ctx, "add", map[string]int{"a": 2, "b": 3})
//
// Host process (connect mode, worker started with NewWorkerWithService):
//
//	client, err := sockbridge.Connect(ctx, "math-service")
package sockbridge

// Version is the current library version
const Version = "1.0.0"
