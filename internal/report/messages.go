package report

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ncruces/go-strftime"
)

// User-facing notices for the report lifecycle, in Discord markdown.

func failureNotice(weekStart string, retryAt time.Time) string {
	return fmt.Sprintf(`⚠️ **Report Generation Issue**

Unfortunately, I couldn't generate your weekly report for the week starting %s due to a temporary issue with the AI service.

🔄 **Automatic Retry Scheduled**
Your report will be automatically retried on %s (%s).

You don't need to do anything - I'll try again automatically and notify you once the report is ready.

If you continue to experience issues, the admin has been notified and will investigate.

Take care! 💚`, weekStart, strftime.Format("%A, %B %d at %H:%M", retryAt), humanize.Time(retryAt))
}

func retrySuccessNotice(weekStart string) string {
	return fmt.Sprintf(`✅ **Report Successfully Generated!**

Good news! Your weekly report for the week starting %s has been successfully generated after the retry.

Use the `+"`report`"+` command to view it.

Take care! 💚`, weekStart)
}

func terminalNotice(weekStart string) string {
	return fmt.Sprintf(`❌ **Report Generation Failed**

Unfortunately, I was unable to generate your weekly report for the week starting %s after multiple attempts.

This may be due to ongoing issues with the AI service. The admin has been notified and will investigate.

Your future reports should generate normally. If you continue to experience issues, please contact the admin.

Take care! 💚`, weekStart)
}

func generatingNotice() string {
	return `📊 **Generating Your Weekly Report...**

🎉 Congratulations on completing your week!

⏳ I'm now analyzing your data and creating your personalized AI report. This will take just a few seconds...`
}

func readyNotice() string {
	return `✅ **Your Weekly Report is Ready!**

📊 Your personalized AI-powered weekly insights have been generated.

Use the ` + "`report`" + ` command to view it now, or check it later at your convenience.

Great job completing this week! 🌟`
}
