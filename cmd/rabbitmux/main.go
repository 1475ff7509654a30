// rabbitmux CLI - command-line client for RabbitMQ
package main

import "github.com/israelio/rabbitmux/internal/cli"

func main() {
	cli.Execute()
}
