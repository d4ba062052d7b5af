package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"waymark.app/social/docstore"
	"waymark.app/social/social"
)

const SocialCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Waymark social control.

The default store url is ws://localhost:8654/v1/store.

Usage:
    socialctl serve
    socialctl token --user=<user_id> [--ttl=<hours>]
    socialctl claim [--url=<url>] --jwt=<jwt> <handle>
    socialctl save-profile [--url=<url>] --jwt=<jwt>
        [--name=<name>] [--bio=<bio>]
    socialctl whois [--url=<url>] --jwt=<jwt> <handle>
    socialctl request [--url=<url>] --jwt=<jwt> <user>
    socialctl pending [--url=<url>] --jwt=<jwt>
    socialctl outgoing [--url=<url>] --jwt=<jwt>
    socialctl accept [--url=<url>] --jwt=<jwt> <request_id>
    socialctl reject [--url=<url>] --jwt=<jwt> <request_id>
    socialctl cancel [--url=<url>] --jwt=<jwt> <request_id>
    socialctl friends [--url=<url>] --jwt=<jwt>
    socialctl close-friend [--url=<url>] --jwt=<jwt> [--unset] <user>
    socialctl unfriend [--url=<url>] --jwt=<jwt> <user>
    socialctl watch [--url=<url>] --jwt=<jwt>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Store gateway url.
    --jwt=<jwt>          Your session JWT.
    --user=<user_id>     User id to mint a token for.
    --ttl=<hours>        Token lifetime in hours [default: 720].
    --name=<name>        Display name.
    --bio=<bio>          Profile bio.
    --unset              Remove instead of add.

<user> is a user id, or @handle to resolve through the registry.`

	// glog flags pass through after --
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SocialCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if claim_, _ := opts.Bool("claim"); claim_ {
		withClient(opts, claim)
	} else if saveProfile_, _ := opts.Bool("save-profile"); saveProfile_ {
		withClient(opts, saveProfile)
	} else if whois_, _ := opts.Bool("whois"); whois_ {
		withClient(opts, whois)
	} else if request_, _ := opts.Bool("request"); request_ {
		withClient(opts, request)
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		withClient(opts, pending)
	} else if outgoing_, _ := opts.Bool("outgoing"); outgoing_ {
		withClient(opts, outgoing)
	} else if accept_, _ := opts.Bool("accept"); accept_ {
		withClient(opts, accept)
	} else if reject_, _ := opts.Bool("reject"); reject_ {
		withClient(opts, reject)
	} else if cancel_, _ := opts.Bool("cancel"); cancel_ {
		withClient(opts, cancelRequest)
	} else if friends_, _ := opts.Bool("friends"); friends_ {
		withClient(opts, friends)
	} else if closeFriend_, _ := opts.Bool("close-friend"); closeFriend_ {
		withClient(opts, closeFriend)
	} else if unfriend_, _ := opts.Bool("unfriend"); unfriend_ {
		withClient(opts, unfriend)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		withClient(opts, watch)
	}
}

func serve(opts docopt.Opts) {
	config, err := docstore.LoadGatewayConfig()
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := docstore.ListenAndServe(ctx, config); err != nil {
		Err.Fatalf("%s", err)
	}
}

func token(opts docopt.Opts) {
	userId, _ := opts.String("--user")
	if _, err := social.ParseId(userId); err != nil {
		Err.Fatalf("invalid user id %q: %s", userId, err)
	}
	ttlHours, err := opts.Int("--ttl")
	if err != nil {
		ttlHours = 720
	}

	secret := os.Getenv("SOCIAL_SESSION_SECRET")
	if secret == "" {
		fmt.Fprint(os.Stderr, "session secret: ")
		secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		secret = string(secretBytes)
	}

	jwt, err := docstore.MintSessionToken(userId, []byte(secret), time.Duration(ttlHours)*time.Hour)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", jwt)
}

func withClient(opts docopt.Opts, run func(ctx context.Context, client *social.Client, opts docopt.Opts)) {
	url, err := opts.String("--url")
	if err != nil || url == "" {
		url = "ws://localhost:8654/v1/store"
	}
	jwt, _ := opts.String("--jwt")

	selfId, err := sessionUserId(jwt)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	remote, err := docstore.DialRemote(ctx, url, jwt)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer remote.Close()

	client := social.NewClientWithDefaults(ctx, remote, selfId)
	defer client.Close()

	if err := client.Profiles().EnsureProfile(ctx); err != nil {
		Err.Fatalf("%s", err)
	}

	run(ctx, client, opts)
}

// the gateway verifies the signature; locally the subject is enough
func sessionUserId(jwt string) (social.Id, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(jwt, claims); err != nil {
		return social.Id{}, fmt.Errorf("parse jwt: %w", err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return social.Id{}, errors.New("jwt missing subject")
	}
	return social.ParseId(subject)
}

func resolveUser(ctx context.Context, client *social.Client, user string) (social.Id, error) {
	if strings.HasPrefix(user, "@") {
		return client.Profiles().FindByHandle(ctx, strings.TrimPrefix(user, "@"))
	}
	return social.ParseId(user)
}

func claim(ctx context.Context, client *social.Client, opts docopt.Opts) {
	handle, _ := opts.String("<handle>")
	err := client.Profiles().ClaimHandle(ctx, handle)
	switch {
	case errors.Is(err, social.ErrHandleTaken):
		Out.Printf("@%s is taken", social.NormalizeHandle(handle))
	case err != nil:
		Err.Fatalf("%s", err)
	default:
		Out.Printf("you are @%s", social.NormalizeHandle(handle))
	}
}

func saveProfile(ctx context.Context, client *social.Client, opts docopt.Opts) {
	name, _ := opts.String("--name")
	bio, _ := opts.String("--bio")
	if err := client.Profiles().SaveProfile(ctx, name, bio, ""); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("saved")
}

func whois(ctx context.Context, client *social.Client, opts docopt.Opts) {
	handle, _ := opts.String("<handle>")
	userId, err := client.Profiles().FindByHandle(ctx, strings.TrimPrefix(handle, "@"))
	if errors.Is(err, docstore.ErrNotFound) {
		Out.Printf("no such handle")
		return
	} else if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", userId)
}

func request(ctx context.Context, client *social.Client, opts docopt.Opts) {
	user, _ := opts.String("<user>")
	toId, err := resolveUser(ctx, client, user)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	created, err := client.Requests().Send(ctx, toId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("request %s -> %s (%s)", created.FromId, created.ToId, created.Id)
}

func pending(ctx context.Context, client *social.Client, opts docopt.Opts) {
	requests, err := client.Requests().Pending(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, request := range requests {
		Out.Printf("%s from %s", request.Id, request.FromId)
	}
}

func outgoing(ctx context.Context, client *social.Client, opts docopt.Opts) {
	requests, err := client.Requests().Outgoing(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, request := range requests {
		Out.Printf("%s to %s", request.Id, request.ToId)
	}
}

func accept(ctx context.Context, client *social.Client, opts docopt.Opts) {
	requestId, _ := opts.String("<request_id>")
	if err := client.Requests().Accept(ctx, requestId); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("accepted")
}

func reject(ctx context.Context, client *social.Client, opts docopt.Opts) {
	requestId, _ := opts.String("<request_id>")
	if err := client.Requests().Reject(ctx, requestId); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("rejected")
}

func cancelRequest(ctx context.Context, client *social.Client, opts docopt.Opts) {
	requestId, _ := opts.String("<request_id>")
	if err := client.Requests().Cancel(ctx, requestId); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("cancelled")
}

func friends(ctx context.Context, client *social.Client, opts docopt.Opts) {
	edges, err := client.Edges().List(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, edge := range edges {
		marker := ""
		if edge.IsCloseFriend {
			marker = " *"
		}
		name := edge.NameSnapshot
		if name == "" {
			name = edge.FriendId.String()
		}
		Out.Printf("%s (%s)%s", name, edge.FriendId, marker)
	}
}

func closeFriend(ctx context.Context, client *social.Client, opts docopt.Opts) {
	user, _ := opts.String("<user>")
	friendId, err := resolveUser(ctx, client, user)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	unset, _ := opts.Bool("--unset")
	if err := client.SetCloseFriend(ctx, friendId, !unset); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("close friend %s set=%t", friendId, !unset)
}

func unfriend(ctx context.Context, client *social.Client, opts docopt.Opts) {
	user, _ := opts.String("<user>")
	friendId, err := resolveUser(ctx, client, user)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if err := client.Unfriend(ctx, friendId); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("unfriended %s", friendId)
}

// watch runs the reconciler until interrupted, printing request activity
func watch(ctx context.Context, client *social.Client, opts docopt.Opts) {
	sub, err := client.Requests().SubscribePending(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer sub.Unsubscribe()

	Out.Printf("watching as %s", client.SelfId())
	for {
		select {
		case snapshots, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			for _, snapshot := range snapshots {
				if request, err := social.RequestFromSnapshot(snapshot); err == nil {
					Out.Printf("pending request %s from %s", request.Id, request.FromId)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
