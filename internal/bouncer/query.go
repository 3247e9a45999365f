package bouncer

import "github.com/dalnet/rbounce/internal/buffer"

// Query is a private conversation kept while no client saw it.
type Query struct {
	name   string
	buffer *buffer.Buffer
}

func (q *Query) Name() string           { return q.name }
func (q *Query) Buffer() *buffer.Buffer { return q.buffer }

// SendBuffer replays the query to c. Queries have no playback status
// lines.
func (q *Query) SendBuffer(n *Network, c *Client) {
	playBuffer(n, c, nil, q.name, q.buffer, false)
}
