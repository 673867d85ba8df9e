package discord

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// maxMessageLength is Discord's hard limit per message.
const maxMessageLength = 2000

// Router turns one incoming DM into zero or more replies.
type Router interface {
	Handle(ctx context.Context, msg Incoming) []Reply
}

// Incoming is one user DM, already reduced to what the router needs.
type Incoming struct {
	UserID    int64
	Username  string
	FirstName string
	Content   string
}

// Reply is one outbound message; File attaches a document.
type Reply struct {
	Text string
	File *FileReply
}

// FileReply is an attached document with its accompanying text.
type FileReply struct {
	Name    string
	Content []byte
}

// Bot is the chat transport: it receives DMs and delivers messages.
// Sends are fire-and-forget from the callers' perspective; failures
// are logged here.
type Bot struct {
	session *discordgo.Session
	router  Router

	mu       sync.Mutex
	channels map[int64]string // user id -> DM channel id
}

func NewBot(token string) (*Bot, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating Discord session: %w", err)
	}

	bot := &Bot{session: s, channels: make(map[int64]string)}
	s.AddHandler(bot.onMessage)
	s.Identify.Intents = discordgo.IntentsDirectMessages

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("opening Discord connection: %w", err)
	}

	log.Printf("Discord bot connected as %s", s.State.User.Username)
	return bot, nil
}

// Bind attaches the command router. Messages arriving before Bind are
// dropped, so wire the router before announcing the bot.
func (b *Bot) Bind(r Router) {
	b.mu.Lock()
	b.router = r
	b.mu.Unlock()
}

func (b *Bot) Close() {
	b.session.Close()
}

// Send DMs the user, splitting over Discord's message length limit.
func (b *Bot) Send(userID int64, text string) error {
	channelID, err := b.dmChannel(userID)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := b.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("sending message to user %d: %w", userID, err)
		}
	}
	return nil
}

func (b *Bot) sendFile(channelID string, f *FileReply) error {
	_, err := b.session.ChannelFileSend(channelID, f.Name, bytes.NewReader(f.Content))
	if err != nil {
		return fmt.Errorf("sending file %s: %w", f.Name, err)
	}
	return nil
}

func (b *Bot) dmChannel(userID int64) (string, error) {
	b.mu.Lock()
	channelID, ok := b.channels[userID]
	b.mu.Unlock()
	if ok {
		return channelID, nil
	}

	ch, err := b.session.UserChannelCreate(strconv.FormatInt(userID, 10))
	if err != nil {
		return "", fmt.Errorf("creating DM channel for user %d: %w", userID, err)
	}
	b.mu.Lock()
	b.channels[userID] = ch.ID
	b.mu.Unlock()
	return ch.ID, nil
}

func (b *Bot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	// DMs only; the bot has no guild surface.
	if m.GuildID != "" {
		return
	}
	b.mu.Lock()
	router := b.router
	b.mu.Unlock()
	if router == nil {
		return
	}

	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		log.Printf("unparseable author id %q: %v", m.Author.ID, err)
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	b.mu.Lock()
	b.channels[userID] = m.ChannelID
	b.mu.Unlock()

	s.ChannelTyping(m.ChannelID)

	replies := router.Handle(context.Background(), Incoming{
		UserID:    userID,
		Username:  m.Author.Username,
		FirstName: m.Author.GlobalName,
		Content:   content,
	})
	for _, r := range replies {
		if r.Text != "" {
			for _, chunk := range splitMessage(r.Text, maxMessageLength) {
				if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
					log.Printf("replying to user %d: %v", userID, err)
				}
			}
		}
		if r.File != nil {
			if err := b.sendFile(m.ChannelID, r.File); err != nil {
				log.Printf("replying to user %d: %v", userID, err)
			}
		}
	}
}

func splitMessage(s string, maxLen int) []string {
	if len(s) <= maxLen {
		return []string{s}
	}
	var chunks []string
	for len(s) > 0 {
		end := maxLen
		if end > len(s) {
			end = len(s)
		}
		// Try to split at a newline
		if idx := strings.LastIndex(s[:end], "\n"); idx > 0 && end < len(s) {
			end = idx + 1
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
