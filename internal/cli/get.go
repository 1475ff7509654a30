package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/israelio/rabbitmux/rabbitmq"
)

func newGetCommand(root *rootOptions) *cobra.Command {
	var (
		autoAck bool
		requeue bool
	)

	cmd := &cobra.Command{
		Use:   "get <queue>",
		Short: "Fetch a single message with basic.get",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withChannel(cmd.Context(), func(ch *rabbitmq.Channel) error {
				msg, ok, err := ch.BasicGet(args[0], autoAck)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !ok {
					fmt.Fprintln(out, "queue empty")
					return nil
				}

				printDelivery(out, msg.DeliveryTag, msg.Redelivered, msg.RoutingKey, msg.Properties, msg.Body)
				fmt.Fprintf(out, "%d message(s) left\n", msg.MessageCount)
				if autoAck {
					return nil
				}
				if requeue {
					return msg.Nack(false, true)
				}
				return msg.Ack(false)
			})
		},
	}

	cmd.Flags().BoolVar(&autoAck, "auto-ack", false, "Acknowledge on delivery")
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Put the message back after printing it")
	return cmd
}
