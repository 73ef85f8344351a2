package signal

func (c *Client) handlePing() {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	_ = c.sendJSON(resp)
}
