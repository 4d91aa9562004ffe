package channel

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/stellarlinkco/kasumi/internal/bus"
	"github.com/stellarlinkco/kasumi/internal/config"
	"github.com/stellarlinkco/kasumi/internal/relay"
	"golang.org/x/sync/errgroup"
)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Add(ch)
	}

	if cfg.WebUI.Enabled {
		ch, err := NewWebUIChannel(cfg.WebUI, b)
		if err != nil {
			return nil, fmt.Errorf("init webui channel: %w", err)
		}
		m.Add(ch)
	}

	return m, nil
}

// Add registers ch and routes its outbound messages to it.
func (m *ChannelManager) Add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	// channels keep ctx for their receive loops, so no derived group context
	var g errgroup.Group
	for name, ch := range m.channels {
		g.Go(func() error {
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartActivity shows the typing indicator in the chat named by the relay
// channel id ("<platform>:<chat>"). Platforms without one fail, which the
// relay treats as "no indicator".
func (m *ChannelManager) StartActivity(ctx context.Context, channelID string) (relay.ActivityHandle, error) {
	platform, chatID, ok := bus.SplitSessionKey(channelID)
	if !ok {
		return nil, fmt.Errorf("malformed channel id %q", channelID)
	}
	ch, ok := m.channels[platform]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", platform)
	}
	typer, ok := ch.(Typer)
	if !ok {
		return nil, fmt.Errorf("channel %s has no typing indicator", platform)
	}
	stop, err := typer.StartTyping(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return stopFunc(stop), nil
}

type stopFunc func()

func (f stopFunc) Stop() { f() }
