package engine

// ResultWaitingCard is a shared future that becomes ready once the
// corresponding frame's post-processing has committed its results into the
// frame's object list. Cards for EOS frames are pre-fulfilled
// at mint time.
//
// This deliberately does not reuse task.Future: a card is fulfilled by
// whichever postproc task ends up running for its frame, not by the task
// that minted it — the two are created at different times (FeedData vs
// commit) — so the close(chan)-on-fulfil idiom is duplicated here as its
// own small type rather than threading an externally-fulfillable
// task.Future through the task package's API.
type ResultWaitingCard struct {
	done   chan struct{}
	status int
}

func newCard() *ResultWaitingCard {
	return &ResultWaitingCard{done: make(chan struct{})}
}

// NewFulfilledCard mints a card that is already fulfilled with status,
// mirroring the original's promise->set_value() construction for EOS and
// interval-dropped frames: those frames never reach
// FeedData, so the module layer mints their card directly.
func NewFulfilledCard(status int) *ResultWaitingCard {
	c := newCard()
	c.fulfil(status)
	return c
}

func (c *ResultWaitingCard) fulfil(status int) {
	c.status = status
	close(c.done)
}

// Wait blocks until the card is fulfilled and returns the post-processing status.
func (c *ResultWaitingCard) Wait() int {
	<-c.done
	return c.status
}

// Done returns a channel closed when the card is fulfilled, for use in
// select statements (e.g. the transdata delivery loop).
func (c *ResultWaitingCard) Done() <-chan struct{} {
	return c.done
}
