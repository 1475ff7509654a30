package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/rabbitmq"
)

type publishOptions struct {
	exchange    string
	routingKey  string
	contentType string
	persistent  bool
	mandatory   bool
	confirm     bool
	timeout     time.Duration
	count       int
}

func newPublishCommand(root *rootOptions) *cobra.Command {
	opts := publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [body]",
		Short: "Publish a message, reading the body from stdin when not given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
				body = data
			}

			return root.withChannel(cmd.Context(), func(ch *rabbitmq.Channel) error {
				return publish(cmd.OutOrStdout(), ch, opts, body)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.exchange, "exchange", "e", "", "Exchange to publish to")
	cmd.Flags().StringVarP(&opts.routingKey, "routing-key", "k", "", "Routing key")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "text/plain", "Content type property")
	cmd.Flags().BoolVar(&opts.persistent, "persistent", false, "Mark the message persistent")
	cmd.Flags().BoolVar(&opts.mandatory, "mandatory", false, "Ask the broker to return unroutable messages")
	cmd.Flags().BoolVar(&opts.confirm, "confirm", false, "Wait for publisher confirms")
	cmd.Flags().DurationVar(&opts.timeout, "confirm-timeout", 5*time.Second, "How long to wait for confirms")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 1, "Number of copies to publish")
	return cmd
}

func publish(out io.Writer, ch *rabbitmq.Channel, opts publishOptions, body []byte) error {
	if opts.confirm {
		if err := ch.ConfirmSelect(false); err != nil {
			return err
		}
	}

	returns := ch.NotifyReturn(make(chan rabbitmq.Return, opts.count))

	msg := rabbitmq.Publishing{
		Properties: rabbitmq.Properties{
			ContentType:  opts.contentType,
			DeliveryMode: protocol.DeliveryModeTransient,
			Timestamp:    time.Now(),
		},
		Body: body,
	}
	if opts.persistent {
		msg.DeliveryMode = protocol.DeliveryModePersistent
	}

	for i := 0; i < opts.count; i++ {
		msg.MessageId = uuid.NewString()
		if err := ch.Publish(opts.exchange, opts.routingKey, opts.mandatory, false, msg); err != nil {
			return err
		}
	}

	if opts.confirm {
		ok, timedOut, err := ch.WaitForConfirmsTimeout(opts.timeout)
		if err != nil {
			return err
		}
		if timedOut {
			return fmt.Errorf("confirms not received within %s", opts.timeout)
		}
		if !ok {
			return fmt.Errorf("broker nacked at least one message")
		}
	}

	returned := 0
drain:
	for {
		select {
		case ret := <-returns:
			returned++
			fmt.Fprintf(out, "returned: %d %s (message %s)\n", ret.ReplyCode, ret.ReplyText, ret.Properties.MessageId)
		default:
			break drain
		}
	}
	fmt.Fprintf(out, "published %d message(s), %d returned\n", opts.count, returned)
	return nil
}
