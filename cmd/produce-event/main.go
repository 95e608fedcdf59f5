// The produce-event command publishes a single JSON event with two
// headers and waits for the brokers to acknowledge it.
//
// Every producer setting can be given in a configuration file
// (--config) or as an environment variable prefixed with OUTBOUND_,
// for example OUTBOUND_LINGER_MS=20.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/heetch/outbound/codec"
	"github.com/heetch/outbound/producer"
	"github.com/heetch/outbound/record"
	"github.com/heetch/outbound/transport"
)

type account struct {
	Name    string `json:"name"`
	Gender  string `json:"gender"`
	Balance int    `json:"balance"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "produce-event:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("produce-event", pflag.ContinueOnError)
	flags.StringSlice("bootstrap-servers", []string{"broker:9092"}, "Kafka brokers to connect to")
	flags.String("topic", "events", "topic to publish to")
	flags.String("transport", "sarama", "Kafka client to use: sarama, franz-go or kafka-go")
	flags.Duration("timeout", 30*time.Second, "how long to wait for the acknowledgement")
	flags.String("config", "", "configuration file")
	flags.Bool("dry-run", false, "publish to an in-memory log instead of Kafka")
	flags.Bool("verbose", false, "log what the producer does")
	if err := flags.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	v.SetDefault("client_id", "produce-event")
	v.SetEnvPrefix("outbound")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"bootstrap-servers", "topic", "transport", "timeout", "dry-run", "verbose"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name)); err != nil {
			return errors.Wrapf(err, "cannot bind flag %q", name)
		}
	}
	if file, _ := flags.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "cannot read configuration file %q", file)
		}
	}

	logger := zap.NewNop()
	if v.GetBool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return errors.Wrap(err, "cannot create logger")
		}
		defer logger.Sync()
	}

	cfg, err := producer.LoadConfig(v)
	if err != nil {
		return err
	}
	cfg.Logger = logger

	ctx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	defer cancel()

	tr, closeTransport, err := newTransport(ctx, v, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	p, err := producer.New(cfg, tr)
	if err != nil {
		return err
	}

	ev, err := record.NewFromValue(v.GetString("topic"), account{Name: "jim", Gender: "f", Balance: 99999}, codec.JSON(),
		record.StrKey("jim"),
		record.Header("tag1", "xxx1"),
		record.Header("tag2", "xxx2"),
	)
	if err != nil {
		return err
	}
	res, err := p.SendSync(ctx, ev)
	if err != nil {
		p.Close(ctx)
		return err
	}
	logger.Info("Event acknowledged", zap.String("id", ev.ID), zap.Int32("partition", res.Partition), zap.Int64("offset", res.Offset))

	if err := p.Close(ctx); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "done")
	return nil
}

func newTransport(ctx context.Context, v *viper.Viper, cfg producer.Config, logger *zap.Logger) (producer.Transport, func(), error) {
	if v.GetBool("dry_run") {
		return transport.NewMemory(1), func() {}, nil
	}
	switch name := v.GetString("transport"); name {
	case "sarama":
		t, err := transport.ConnectSarama(ctx, transport.SaramaConfig(cfg.ClientID, cfg.Compression), cfg.Brokers, v.GetDuration("timeout"), logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil
	case "franz-go":
		t, err := transport.NewFranz(cfg.ClientID, cfg.Brokers, cfg.SendTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil
	case "kafka-go":
		return transport.NewKafkaGo(cfg.Brokers, cfg.SendTimeout), func() {}, nil
	default:
		return nil, nil, errors.Errorf("unknown transport %q", name)
	}
}
