// Command relay-client logs in as one user, keeps a relay session open and
// prints the merged notification feed whenever it changes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/rs/zerolog"

	"notification-relay/internal/config"
	"notification-relay/internal/logging"
	"notification-relay/pkg/feed"
	"notification-relay/pkg/notifyapi"
	"notification-relay/pkg/relayclient"
)

type commandLineOptionValues struct {
	RelayURL     string
	APIURL       string
	Token        string
	UserID       string
	Track        []string
	PollInterval string
	BaseDelay    string
	MaxDelay     string
	MaxAttempts  int
	LogLevel     string
}

func parseCommandLine() *commandLineOptionValues {
	values := &commandLineOptionValues{}
	opt := getoptions.New()

	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&values.RelayURL, "relay", "ws://localhost:8090/ws",
		opt.Description("websocket endpoint of the relay"))
	opt.StringVar(&values.APIURL, "api", "http://localhost:8090",
		opt.Description("base url of the notification REST API"))
	opt.StringVar(&values.Token, "token", os.Getenv("RELAY_TOKEN"),
		opt.Alias("t"),
		opt.Description("bearer token, defaults to $RELAY_TOKEN"))
	opt.StringVar(&values.UserID, "user", "",
		opt.Alias("u"),
		opt.Description("user id the token belongs to"))
	opt.StringSliceVar(&values.Track, "track", 1, 99,
		opt.Description("order ids to follow live"))
	opt.StringVar(&values.PollInterval, "poll", "30s",
		opt.Description("REST poll interval"))
	opt.StringVar(&values.BaseDelay, "base-delay", "1s",
		opt.Description("first reconnect delay"))
	opt.StringVar(&values.MaxDelay, "max-delay", "30s",
		opt.Description("reconnect delay cap"))
	opt.IntVar(&values.MaxAttempts, "max-attempts", 10,
		opt.Description("reconnect attempts before giving up"))
	opt.StringVar(&values.LogLevel, "log-level", "info")

	_, err := opt.Parse(os.Args[1:])
	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(2)
	}
	if values.Token == "" || values.UserID == "" {
		fmt.Fprint(os.Stderr, "Error: --token and --user are required\n\n")
		fmt.Fprint(os.Stderr, opt.Help(getoptions.HelpSynopsis))
		os.Exit(2)
	}
	return values
}

func durations(values *commandLineOptionValues) (poll, base, maxDelay time.Duration, err error) {
	if poll, err = time.ParseDuration(values.PollInterval); err != nil {
		return
	}
	if base, err = time.ParseDuration(values.BaseDelay); err != nil {
		return
	}
	maxDelay, err = time.ParseDuration(values.MaxDelay)
	return
}

func main() {
	values := parseCommandLine()

	logger, err := logging.New(config.Log{Pretty: true, Level: values.LogLevel}, "relay-client")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(2)
	}

	poll, base, maxDelay, err := durations(values)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid duration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := relayclient.NewSession(ctx, relayclient.SessionConfig{
		UserID: values.UserID,
		Token:  values.Token,
		Dialer: relayclient.NewWSDialer(values.RelayURL),
		API:    notifyapi.New(values.APIURL, values.Token),
		Reconnect: relayclient.Options{
			BaseDelay:       base,
			MaxDelay:        maxDelay,
			MaxAttempts:     values.MaxAttempts,
			StabilityWindow: 30 * time.Second,
		},
		PollInterval: poll,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start session")
	}
	defer session.Close()

	session.Controller().OnStateChange(func(change relayclient.StateChange) {
		ev := logger.Info().Str("state", change.State.String()).Int("attempt", change.Attempt)
		if change.Delay > 0 {
			ev = ev.Dur("delay", change.Delay)
		}
		ev.AnErr("cause", change.Err).Msg("connection state")
	})
	session.Feed().OnChange(func(s feed.Snapshot) { printFeed(logger, s) })

	for _, order := range values.Track {
		if err := session.TrackOrder(order); err != nil {
			logger.Warn().Err(err).Str("order_id", order).Msg("track failed")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("logging out")
}

func printFeed(logger zerolog.Logger, s feed.Snapshot) {
	logger.Info().Int("unread", s.UnreadCount).Bool("live", s.Live).Int("entries", len(s.Entries)).Msg("feed")
	for _, e := range s.Entries {
		logger.Info().
			Str("key", e.Key).
			Str("source", string(e.Source)).
			Str("type", string(e.Type)).
			Bool("read", e.Read).
			Time("at", e.Timestamp).
			Interface("payload", e.Payload).
			Msg("  entry")
	}
}
