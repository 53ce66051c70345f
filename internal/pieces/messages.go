package pieces

import "context"

// The five inbound RPC variants of spec.md §4.E/§6. Each carries a reply
// channel; the dispatcher is the sole reader of the inbound channel and the
// sole writer to each reply channel.

// GrabBlocksMsg requests up to K blocks for a peer advertising Eligible.
type GrabBlocksMsg struct {
	K        int
	Eligible map[PieceNum]struct{}
	Reply    chan GrabResult
}

// StoreBlockMsg reports that Data has been received for (Piece, Block).
type StoreBlockMsg struct {
	Piece PieceNum
	Block Block
	Data  []byte
	Reply chan error
}

// PutbackBlocksMsg releases a departed or reneging peer's checkouts.
type PutbackBlocksMsg struct {
	Pairs []PieceBlock
	Reply chan error
}

// AskInterestedMsg asks whether Set intersects anything still wanted.
type AskInterestedMsg struct {
	Set   map[PieceNum]struct{}
	Reply chan bool
}

// GetDoneMsg requests a snapshot of currently-done piece numbers.
type GetDoneMsg struct {
	Reply chan []PieceNum
}

// GrabBlocks sends a GrabBlocksMsg to the manager and blocks for the reply.
// This is the synchronous rendezvous described in spec.md §5 — the reply
// channel has capacity one so the dispatcher never blocks delivering it.
func (m *Manager) GrabBlocks(ctx context.Context, k int, eligible map[PieceNum]struct{}) (GrabResult, error) {
	reply := make(chan GrabResult, 1)
	msg := GrabBlocksMsg{K: k, Eligible: eligible, Reply: reply}

	select {
	case m.inbound <- msg:
	case <-ctx.Done():
		return GrabResult{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return GrabResult{}, ctx.Err()
	}
}

// StoreBlock sends a StoreBlockMsg and blocks for acknowledgement.
func (m *Manager) StoreBlock(ctx context.Context, pn PieceNum, blk Block, data []byte) error {
	reply := make(chan error, 1)
	msg := StoreBlockMsg{Piece: pn, Block: blk, Data: data, Reply: reply}

	select {
	case m.inbound <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PutbackBlocks sends a PutbackBlocksMsg and blocks for acknowledgement.
func (m *Manager) PutbackBlocks(ctx context.Context, pairs []PieceBlock) error {
	reply := make(chan error, 1)
	msg := PutbackBlocksMsg{Pairs: pairs, Reply: reply}

	select {
	case m.inbound <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AskInterested sends an AskInterestedMsg and blocks for the reply.
func (m *Manager) AskInterested(ctx context.Context, set map[PieceNum]struct{}) (bool, error) {
	reply := make(chan bool, 1)
	msg := AskInterestedMsg{Set: set, Reply: reply}

	select {
	case m.inbound <- msg:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// GetDone sends a GetDoneMsg and blocks for the reply.
func (m *Manager) GetDone(ctx context.Context) ([]PieceNum, error) {
	reply := make(chan []PieceNum, 1)
	msg := GetDoneMsg{Reply: reply}

	select {
	case m.inbound <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
