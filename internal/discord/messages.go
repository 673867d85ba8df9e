package discord

import (
	"fmt"
	"strings"

	"github.com/marta/pulse/internal/store"
)

const helpMessage = `👋 **Pulse — your daily check-in companion**

I collect a quick morning and evening check-in and turn each week into a personal AI-written report.

**Check-ins**
` + "`checkin morning`" + ` — energy, mood, and an intention for the day
` + "`checkin evening`" + ` — mood, stress, and a short reflection
` + "`cancel`" + ` — stop a check-in midway
` + "`snooze [hours]`" + ` — push today's reminder back (default 2h)

**Insights**
` + "`report`" + ` — your latest weekly report (` + "`report prev`" + ` / ` + "`report next`" + ` to browse)
` + "`stats`" + ` — your check-in statistics
` + "`export`" + ` — download all your data as CSV (once per week)

**Settings**
` + "`settings`" + ` — show your current settings
` + "`settings timezone <zone>`" + ` — e.g. ` + "`settings timezone Europe/Paris`" + `
` + "`settings morning HH:MM`" + ` / ` + "`settings evening HH:MM`" + ` — reminder times
` + "`settings reminders on|off`" + ` — toggle all reminders

Reports generate automatically every Sunday evening once a week has at least 3 days of check-ins. Take care! 💚`

const limitMessage = `🚫 **User Limit Reached**

Sorry, this bot has reached its maximum capacity of 100 users. No new users can be added at this time.

Thank you for your interest!`

const noReportsMessage = `📊 **Weekly Reports**

You don't have any weekly reports yet. Reports are generated automatically every Sunday evening after you complete at least 3 days of check-ins during the week.

Keep doing your daily check-ins — your first report will appear here once you have enough data. 💚`

func welcomeMessage(prefs store.Preferences) string {
	return fmt.Sprintf(`🌟 **Welcome to Pulse!**

I'll check in with you twice a day and turn each week into a personal AI-written report.

Your reminders are set up with defaults:
🕘 Morning: %s
🌙 Evening: %s
🌍 Timezone: %s

If that timezone looks wrong, fix it now with `+"`settings timezone <zone>`"+` so reminders arrive at the right local time.

Ready when you are — reply `+"`checkin morning`"+` or `+"`checkin evening`"+` to start, or `+"`help`"+` for everything I can do. 💚`,
		prefs.MorningTime, prefs.EveningTime, prefs.Timezone)
}

func settingsMessage(p store.Preferences) string {
	return fmt.Sprintf(`⚙️ **Your Settings**

🌍 Timezone: %s
🔔 Reminders: %s
🕘 Morning reminder: %s
🌙 Evening reminder: %s

Change with `+"`settings timezone <zone>`"+`, `+"`settings morning HH:MM`"+`, `+"`settings evening HH:MM`"+`, or `+"`settings reminders on|off`"+`.`,
		p.Timezone, onOff(p.RemindersEnabled), p.MorningTime, p.EveningTime)
}

func sessionSummary(sessionType string, answers map[string]string) string {
	var b strings.Builder
	if sessionType == store.SessionMorning {
		b.WriteString("✅ **Morning check-in complete!**\n\n")
		fmt.Fprintf(&b, "⚡ Energy: %s/10\n", answers[store.FieldEnergy])
		fmt.Fprintf(&b, "😊 Mood: %s/10\n", answers[store.FieldMood])
		fmt.Fprintf(&b, "🎯 Intention: %s\n\n", answers[store.FieldIntention])
		b.WriteString("Have a great day! See you this evening. 🌟")
	} else {
		b.WriteString("✅ **Evening check-in complete!**\n\n")
		fmt.Fprintf(&b, "😊 Mood: %s/10\n", answers[store.FieldMood])
		fmt.Fprintf(&b, "😰 Stress: %s/10\n", answers[store.FieldStress])
		fmt.Fprintf(&b, "📝 Day in a word: %s\n", answers[store.FieldDayWord])
		fmt.Fprintf(&b, "💭 Reflection: %s\n\n", answers[store.FieldReflection])
		b.WriteString("Well done processing your day. Sleep well! 🌙")
	}
	return b.String()
}

func onOff(b bool) string {
	if b {
		return "on ✅"
	}
	return "off ❌"
}
