// Package consumer drains the persistence topics the relay publishes to and
// writes the events into Postgres.
package consumer

import (
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/publisher"
)

const (
	ChannelSaveMessage  = "ch_save_message"
	ChannelReadMessage  = "ch_read_message"
	ChannelUpdateUnread = "ch_update_unread"

	concurrentHandlers = 3
)

// Consumer binds one topic/channel pair to a handler and manages the
// underlying nsq consumer lifecycle.
type Consumer struct {
	topic   string
	channel string

	lookupds    []string
	handler     nsq.Handler
	nsqConsumer *nsq.Consumer
}

// New builds a consumer. Start connects it.
func New(topic, channel string, lookupds []string, handler nsq.Handler) *Consumer {
	return &Consumer{
		topic:    topic,
		channel:  channel,
		lookupds: lookupds,
		handler:  handler,
	}
}

// Start creates the nsq consumer and connects it to the lookupd directory.
func (c *Consumer) Start() error {
	nsqConsumer, err := nsq.NewConsumer(c.topic, c.channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("consumer %s/%s: %w", c.topic, c.channel, err)
	}
	nsqConsumer.AddConcurrentHandlers(c.handler, concurrentHandlers)
	c.nsqConsumer = nsqConsumer

	if err := nsqConsumer.ConnectToNSQLookupds(c.lookupds); err != nil {
		return fmt.Errorf("consumer %s/%s connect: %w", c.topic, c.channel, err)
	}
	logger.Infof("consumer started topic=%s channel=%s", c.topic, c.channel)
	return nil
}

// Stop drains in-flight messages and blocks until the consumer exits.
func (c *Consumer) Stop() {
	if c.nsqConsumer == nil {
		return
	}
	c.nsqConsumer.Stop()
	<-c.nsqConsumer.StopChan
}

// All builds the full consumer set for the three persistence topics.
func All(lookupds []string, store MessageStore) []*Consumer {
	return []*Consumer{
		New(publisher.TopicSendMessage, ChannelSaveMessage, lookupds, &SaveMessageHandler{Store: store}),
		New(publisher.TopicReadMessage, ChannelReadMessage, lookupds, &ReadMessageHandler{Store: store}),
		New(publisher.TopicUpdateUnread, ChannelUpdateUnread, lookupds, &UpdateUnreadHandler{Store: store}),
	}
}
