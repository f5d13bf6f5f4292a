package handler

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/pageengine/milestone"
	"github.com/use-agent/pageengine/scheduler"
)

// Events streams milestone events to the caller as Server-Sent Events, one
// per dispatched milestone, for as long as the connection stays open.
func Events(s *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		ch := make(chan milestone.Event, 64)
		s.Subscribe(func(ev milestone.Event) {
			select {
			case ch <- ev:
			default:
				// Slow consumer: drop rather than block the scheduler's
				// synchronous callback dispatch.
			}
		})

		notify := c.Request.Context().Done()
		for {
			select {
			case <-notify:
				return
			case ev := <-ch:
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "event: milestone\ndata: %s\n\n", data)
				c.Writer.Flush()
			}
		}
	}
}
