package mqttcore

func (c *Client) processPublishQueue() {
	if len(c.publishQueue) == 0 {
		return
	}

	limit := c.opts.MaxInflight

	for len(c.publishQueue) > 0 {
		if limit > 0 && c.inFlightCount >= limit {
			return
		}

		req := c.publishQueue[0]
		if !c.sendPublishLocked(req) {
			return
		}
		c.publishQueue = c.publishQueue[1:]
	}
}
