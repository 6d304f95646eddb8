package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/mmailaender/convex-go/convex"
)

const ConvexCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Convex deployment control.

Usage:
    convexctl query --url=<url> [--auth=<auth>] <function> [<args_json>]
    convexctl mutation --url=<url> [--auth=<auth>] <function> [<args_json>]
    convexctl action --url=<url> [--auth=<auth>] <function> [<args_json>]
    convexctl watch --sync_url=<sync_url> [--auth=<auth>] [--update_count=<update_count>] <function> [<args_json>]
    convexctl token [--auth=<auth>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Deployment http url.
    --sync_url=<sync_url>          Deployment websocket sync url.
    --auth=<auth>                  Deployment auth token. Prompted when omitted.
    --update_count=<update_count>  Print this many updates then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ConvexCtlVersion)
	if err != nil {
		panic(err)
	}

	if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if mutation_, _ := opts.Bool("mutation"); mutation_ {
		mutation(opts)
	} else if action_, _ := opts.Bool("action"); action_ {
		action(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func authToken(opts docopt.Opts) string {
	if auth, err := opts.String("--auth"); err == nil && auth != "" {
		return auth
	}
	fmt.Fprint(os.Stderr, "auth token: ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(tokenBytes))
}

func functionCall(opts docopt.Opts) (*convex.FunctionCallArgs, error) {
	functionPath, err := opts.String("<function>")
	if err != nil {
		return nil, err
	}
	call := &convex.FunctionCallArgs{
		Path: functionPath,
		Args: map[string]convex.Value{},
	}
	if argsJson, err := opts.String("<args_json>"); err == nil && argsJson != "" {
		if err := json.Unmarshal([]byte(argsJson), &call.Args); err != nil {
			return nil, err
		}
	}
	return call, nil
}

func printResult(result *convex.FunctionCallResult, err error) {
	if err != nil {
		Err.Fatalf("call error = %s", err)
	}
	if resultErr := result.Err(); resultErr != nil {
		Err.Fatalf("function error = %s", resultErr)
	}
	valueJson, err := json.Marshal(result.Value)
	if err != nil {
		Err.Fatalf("encode error = %s", err)
	}
	Out.Printf("%s", valueJson)
}

func query(opts docopt.Opts) {
	url, _ := opts.String("--url")
	call, err := functionCall(opts)
	if err != nil {
		Err.Fatalf("args error = %s", err)
	}

	api := convex.NewConvexApi(url)
	api.SetAuthToken(authToken(opts))
	printResult(api.QuerySync(call))
}

func mutation(opts docopt.Opts) {
	url, _ := opts.String("--url")
	call, err := functionCall(opts)
	if err != nil {
		Err.Fatalf("args error = %s", err)
	}

	api := convex.NewConvexApi(url)
	api.SetAuthToken(authToken(opts))
	printResult(api.MutationSync(call))
}

func action(opts docopt.Opts) {
	url, _ := opts.String("--url")
	call, err := functionCall(opts)
	if err != nil {
		Err.Fatalf("args error = %s", err)
	}

	api := convex.NewConvexApi(url)
	api.SetAuthToken(authToken(opts))
	printResult(api.ActionSync(call))
}

func watch(opts docopt.Opts) {
	syncUrl, _ := opts.String("--sync_url")
	call, err := functionCall(opts)
	if err != nil {
		Err.Fatalf("args error = %s", err)
	}
	updateCount := 0
	if updateCount_, err := opts.Int("--update_count"); err == nil {
		updateCount = updateCount_
	}

	ctx := context.Background()

	transport := convex.NewSyncTransportWithDefaults(ctx, syncUrl, &convex.ClientAuth{
		AuthToken:  authToken(opts),
		InstanceId: convex.NewId(),
		AppVersion: ConvexCtlVersion,
	})
	defer transport.Close()

	cache := convex.NewQueryCache(ctx, transport)
	defer cache.Destroy()

	observer, err := convex.NewQueryObserver(
		ctx,
		cache,
		nil,
		convex.Function(call.Path),
		func() map[string]convex.Value {
			return call.Args
		},
		nil,
	)
	if err != nil {
		Err.Fatalf("observe error = %s", err)
	}
	defer observer.Close()

	monitor := convex.NewMonitor()
	listenerId := observer.AddListener(monitor.NotifyAll)
	defer observer.RemoveListener(listenerId)

	printed := 0
	for {
		notify := monitor.NotifyChannel()

		result := observer.Result()
		if result.Err != nil {
			Out.Printf("error: %s", result.Err)
			printed += 1
		} else if result.HasValue {
			valueJson, err := json.Marshal(result.Value)
			if err != nil {
				Err.Fatalf("encode error = %s", err)
			}
			if result.IsStale {
				Out.Printf("(stale) %s", valueJson)
			} else {
				Out.Printf("%s", valueJson)
			}
			printed += 1
		}
		if 0 < updateCount && updateCount <= printed {
			return
		}

		<-notify
	}
}

func token(opts docopt.Opts) {
	claims, err := convex.ParseAuthTokenUnverified(authToken(opts))
	if err != nil {
		Err.Fatalf("token error = %s", err)
	}
	Out.Printf("subject: %s", claims.Subject)
	Out.Printf("issuer: %s", claims.Issuer)
	Out.Printf("deployment: %s", claims.DeploymentName)
}
