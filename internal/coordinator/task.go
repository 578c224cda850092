package coordinator

import "context"

// background runs work off the loop, bounded by the request timeout. If
// work returns a continuation, it is posted back and run on the loop,
// unless the user has logged in or out since the task started.
func (c *Coordinator) background(name string, work func(ctx context.Context) func()) {
	gen := c.gen
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
		then := work(ctx)
		cancel()
		if then == nil {
			return
		}

		cont := func() {
			if c.gen != gen {
				c.logger.Debug("discarding stale result", "task", name)
				return
			}
			then()
		}
		select {
		case c.cmds <- cont:
		case <-c.ctx.Done():
		}
	}()
}
