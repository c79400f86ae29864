package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nsqio/go-nsq"
)

const (
	nsqdTCPPort  = 4150
	pingInterval = 15 * time.Second
)

// discoverNSQD asks each lookupd for live nsqd nodes and returns the first
// one. GET <lookupd>/nodes is the nsqlookupd directory endpoint.
func discoverNSQD(lookupds []string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	type node struct {
		BroadcastAddress string `json:"broadcast_address"`
		Hostname         string `json:"hostname"`
		TCPPort          int    `json:"tcp_port"`
	}
	type nodesResponse struct {
		Producers []node `json:"producers"`
	}

	for _, lookupd := range lookupds {
		if lookupd == "" {
			continue
		}
		url := strings.TrimSuffix(lookupd, "/") + "/nodes"
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		var nodes nodesResponse
		err = json.NewDecoder(resp.Body).Decode(&nodes)
		resp.Body.Close()
		if err != nil || len(nodes.Producers) == 0 {
			continue
		}

		n := nodes.Producers[0]
		host := n.BroadcastAddress
		if host == "" {
			host = n.Hostname
		}
		port := n.TCPPort
		if port == 0 {
			port = nsqdTCPPort
		}
		return fmt.Sprintf("%s:%d", host, port), nil
	}
	return "", fmt.Errorf("%w (lookupds: %s)", ErrNoEndpoints, strings.Join(lookupds, ","))
}

// nsqWriter adapts nsq.Producer to the writer interface. go-nsq does not
// announce connection loss by itself, so loss is detected two ways: a
// publish returning a connection-level error, and a background ping ticker.
type nsqWriter struct {
	producer *nsq.Producer
	closed   chan struct{}
	once     sync.Once
	stopPing chan struct{}
}

func newNSQWriter(addr string) (writer, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, err
	}

	w := &nsqWriter{
		producer: producer,
		closed:   make(chan struct{}),
		stopPing: make(chan struct{}),
	}
	go w.pingLoop()
	return w, nil
}

func (w *nsqWriter) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.producer.Ping(); err != nil {
				w.signalClosed()
				return
			}
		case <-w.stopPing:
			return
		}
	}
}

func (w *nsqWriter) signalClosed() {
	w.once.Do(func() { close(w.closed) })
}

func (w *nsqWriter) Publish(topic string, body []byte) error {
	err := w.producer.Publish(topic, body)
	if errors.Is(err, nsq.ErrStopped) || errors.Is(err, nsq.ErrNotConnected) {
		w.signalClosed()
	}
	return err
}

func (w *nsqWriter) Closed() <-chan struct{} {
	return w.closed
}

func (w *nsqWriter) Stop() {
	close(w.stopPing)
	w.producer.Stop()
}
