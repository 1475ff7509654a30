package rabbitmq

import (
	"fmt"

	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
	"github.com/israelio/rabbitmux/internal/wire"
)

// TxSelect puts the channel into transaction mode
func (ch *Channel) TxSelect() error {
	if _, err := ch.rpcCall(protocol.OpTxSelect, &wire.TxSelect{}, frame.ID(protocol.ClassTx, protocol.MethodTxSelectOk)); err != nil {
		return fmt.Errorf("tx select: %w", err)
	}
	return nil
}

// TxCommit commits the current transaction
func (ch *Channel) TxCommit() error {
	if _, err := ch.rpcCall(protocol.OpTxCommit, &wire.TxCommit{}, frame.ID(protocol.ClassTx, protocol.MethodTxCommitOk)); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}

// TxRollback rolls back the current transaction
func (ch *Channel) TxRollback() error {
	if _, err := ch.rpcCall(protocol.OpTxRollback, &wire.TxRollback{}, frame.ID(protocol.ClassTx, protocol.MethodTxRollbackOk)); err != nil {
		return fmt.Errorf("tx rollback: %w", err)
	}
	return nil
}
