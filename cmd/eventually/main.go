// Command eventually manages the Subscriptions of the Subscribers
// registered in this binary: the user profile projection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/get-eventually/go-subscriptions/internal/app"
	"github.com/get-eventually/go-subscriptions/internal/cli"
	"github.com/get-eventually/go-subscriptions/internal/config"
	"github.com/get-eventually/go-subscriptions/internal/user"
	"github.com/get-eventually/go-subscriptions/subscriber"
)

func open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.App, error) {
	return app.New(ctx, cfg, app.Options{
		Logger: log,
		Serde:  user.NewRegistry(),
		Accessors: []*subscriber.Accessor{
			user.NewProfileProjector().Accessor("user_profile", subscriber.WithGroup("projectors")),
		},
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cli.NewRootCommand(open).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "eventually:", err)
	}

	stop()
	os.Exit(cli.ExitCode(err))
}
