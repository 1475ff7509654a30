package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/rabbitmq"
)

type consumeOptions struct {
	autoAck  bool
	prefetch int
	count    int
	tag      string
}

func newConsumeCommand(root *rootOptions) *cobra.Command {
	opts := consumeOptions{}

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print messages from a queue until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return root.withChannel(ctx, func(ch *rabbitmq.Channel) error {
				return consume(ctx, root.log, cmd.OutOrStdout(), ch, args[0], opts)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.autoAck, "auto-ack", false, "Let the broker consider messages acknowledged on delivery")
	cmd.Flags().IntVar(&opts.prefetch, "prefetch", 10, "Unacknowledged messages the broker may send ahead")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 0, "Stop after this many messages (0 = no limit)")
	cmd.Flags().StringVar(&opts.tag, "consumer-tag", "", "Consumer tag, server-generated when empty")
	return cmd
}

func consume(ctx context.Context, log *zap.Logger, out io.Writer, ch *rabbitmq.Channel, queue string, opts consumeOptions) error {
	if !opts.autoAck && opts.prefetch > 0 {
		if err := ch.Qos(opts.prefetch, 0, false); err != nil {
			return err
		}
	}

	deliveries, tag, err := ch.ConsumeChan(queue, opts.tag, rabbitmq.ConsumeOptions{AutoAck: opts.autoAck})
	if err != nil {
		return err
	}
	log.Info("consuming", zap.String("queue", queue), zap.String("consumer_tag", tag))

	received := 0
	for {
		select {
		case <-ctx.Done():
			return ch.Cancel(tag)
		case d, ok := <-deliveries:
			if !ok {
				if reason := ch.CloseReason(); reason != nil && reason.Code != protocol.ReplySuccess {
					return reason
				}
				return nil
			}
			printDelivery(out, d.DeliveryTag, d.Redelivered, d.RoutingKey, d.Properties, d.Body)
			if !opts.autoAck {
				if err := d.Ack(false); err != nil {
					return err
				}
			}

			received++
			if opts.count > 0 && received >= opts.count {
				return ch.Cancel(tag)
			}
		}
	}
}

func printDelivery(out io.Writer, tag uint64, redelivered bool, routingKey string, props rabbitmq.Properties, body []byte) {
	flag := ""
	if redelivered {
		flag = " (redelivered)"
	}
	fmt.Fprintf(out, "#%d %s%s", tag, routingKey, flag)
	if props.MessageId != "" {
		fmt.Fprintf(out, " id=%s", props.MessageId)
	}
	if props.ContentType != "" {
		fmt.Fprintf(out, " type=%s", props.ContentType)
	}
	fmt.Fprintf(out, "\n%s\n", body)
}
