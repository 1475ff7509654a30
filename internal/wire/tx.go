package wire

import (
	"github.com/israelio/rabbitmux/internal/frame"
	"github.com/israelio/rabbitmux/internal/protocol"
)

func init() {
	register(
		func() Message { return &ConfirmSelect{} },
		func() Message { return &ConfirmSelectOk{} },
		func() Message { return &TxSelect{} },
		func() Message { return &TxSelectOk{} },
		func() Message { return &TxCommit{} },
		func() Message { return &TxCommitOk{} },
		func() Message { return &TxRollback{} },
		func() Message { return &TxRollbackOk{} },
	)
}

type ConfirmSelect struct {
	NoWait bool
}

func (*ConfirmSelect) ID() frame.MethodID {
	return frame.ID(protocol.ClassConfirm, protocol.MethodConfirmSelect)
}

func (m *ConfirmSelect) write(b *frame.MethodArgsBuilder) { b.WriteBit(m.NoWait) }
func (m *ConfirmSelect) read(a *frame.MethodArgs)         { m.NoWait = a.ReadBit() }

type ConfirmSelectOk struct{ empty }

func (*ConfirmSelectOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassConfirm, protocol.MethodConfirmSelectOk)
}

type TxSelect struct{ empty }

func (*TxSelect) ID() frame.MethodID { return frame.ID(protocol.ClassTx, protocol.MethodTxSelect) }

type TxSelectOk struct{ empty }

func (*TxSelectOk) ID() frame.MethodID { return frame.ID(protocol.ClassTx, protocol.MethodTxSelectOk) }

type TxCommit struct{ empty }

func (*TxCommit) ID() frame.MethodID { return frame.ID(protocol.ClassTx, protocol.MethodTxCommit) }

type TxCommitOk struct{ empty }

func (*TxCommitOk) ID() frame.MethodID { return frame.ID(protocol.ClassTx, protocol.MethodTxCommitOk) }

type TxRollback struct{ empty }

func (*TxRollback) ID() frame.MethodID { return frame.ID(protocol.ClassTx, protocol.MethodTxRollback) }

type TxRollbackOk struct{ empty }

func (*TxRollbackOk) ID() frame.MethodID {
	return frame.ID(protocol.ClassTx, protocol.MethodTxRollbackOk)
}
