package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const chatIDFile = "chat_id.txt"

// Command is an operator request lifted off Telegram and queued for the
// main loop. All engine state stays on the main goroutine; the listener
// only ever enqueues.
type Command struct {
	Name string
	From int64
}

// TelegramService is the operator channel: outbound alerts (fire and
// forget) and inbound slash commands. A nil service is valid and silently
// drops everything, so callers never branch on configuration.
type TelegramService struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	commands chan<- Command
}

// NewTelegramService initializes the bot. Returns nil when no token is
// configured.
func NewTelegramService(token string, chatID int64, commands chan<- Command) *TelegramService {
	if token == "" {
		log.Println("⚠️ TELEGRAM_BOT_TOKEN not set. Operator channel disabled.")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Printf("⚠️ Failed to init Telegram Bot: %v", err)
		return nil
	}
	log.Printf("✅ Telegram authorized on account %s", bot.Self.UserName)

	ts := &TelegramService{bot: bot, chatID: chatID, commands: commands}
	if ts.chatID == 0 {
		ts.chatID = ts.loadChatID()
	}
	if ts.chatID != 0 {
		log.Printf("✅ Loaded persistent chat ID: %d", ts.chatID)
	}
	return ts
}

func (ts *TelegramService) loadChatID() int64 {
	data, err := os.ReadFile(chatIDFile)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (ts *TelegramService) saveChatID(id int64) {
	if err := os.WriteFile(chatIDFile, []byte(fmt.Sprintf("%d", id)), 0644); err != nil {
		log.Printf("⚠️ Failed to save chat ID: %v", err)
	}
}

// Listen polls updates and enqueues recognized commands. Runs as its own
// goroutine; a full queue drops the command rather than blocking the poll.
func (ts *TelegramService) Listen() {
	if ts == nil {
		return
	}
	log.Println("📢 TELEGRAM: listening for operator commands")
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := ts.bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}

		// First inbound message pins the operator chat.
		if ts.chatID == 0 {
			ts.chatID = update.Message.Chat.ID
			ts.saveChatID(ts.chatID)
			log.Printf("✅ TELEGRAM CHAT ID CAPTURED: %d", ts.chatID)
			ts.Notify("🔔 Operator channel connected.")
		}

		if !update.Message.IsCommand() {
			continue
		}
		switch cmd := update.Message.Command(); cmd {
		case "start":
			ts.Notify("🚀 *Lifecycle engine online.*\nCommands: /status /balance /positions /panic")
		case "status", "balance", "positions", "panic":
			select {
			case ts.commands <- Command{Name: cmd, From: update.Message.Chat.ID}:
			default:
				ts.Notify("⚠️ Command queue full, try again.")
			}
		default:
			ts.Notify(fmt.Sprintf("❓ Unknown command /%s", cmd))
		}
	}
}

// Notify sends a markdown message without blocking the caller.
func (ts *TelegramService) Notify(msg string) {
	if ts == nil || ts.bot == nil || ts.chatID == 0 {
		return
	}
	go func() {
		m := tgbotapi.NewMessage(ts.chatID, msg)
		m.ParseMode = "Markdown"
		if _, err := ts.bot.Send(m); err != nil {
			log.Printf("⚠️ Failed to send Telegram: %v", err)
		}
	}()
}
