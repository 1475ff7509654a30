package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/israelio/rabbitmux/rabbitmq"
)

func newDeclareQueueCommand(root *rootOptions) *cobra.Command {
	var (
		opts    rabbitmq.QueueDeclareOptions
		passive bool
		bindTo  string
		key     string
	)

	cmd := &cobra.Command{
		Use:   "declare-queue [name]",
		Short: "Declare a queue, server-named when no name is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			if passive && name == "" {
				return fmt.Errorf("--passive needs a queue name")
			}

			return root.withChannel(cmd.Context(), func(ch *rabbitmq.Channel) error {
				var (
					q   rabbitmq.Queue
					err error
				)
				if passive {
					q, err = ch.QueueDeclarePassive(name)
				} else {
					q, err = ch.QueueDeclare(name, opts)
				}
				if err != nil {
					return err
				}
				if bindTo != "" {
					if err := ch.QueueBind(q.Name, bindTo, key, nil); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmessages=%d\tconsumers=%d\n", q.Name, q.Messages, q.Consumers)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Durable, "durable", false, "Survive a broker restart")
	cmd.Flags().BoolVar(&opts.AutoDelete, "auto-delete", false, "Delete when the last consumer goes away")
	cmd.Flags().BoolVar(&opts.Exclusive, "exclusive", false, "Restrict to this connection")
	cmd.Flags().BoolVar(&passive, "passive", false, "Only check that the queue exists")
	cmd.Flags().StringVar(&bindTo, "bind", "", "Bind the queue to this exchange")
	cmd.Flags().StringVar(&key, "routing-key", "", "Routing key for --bind")
	return cmd
}
