// Package chat connects bot sessions to Twitch chat over IRC.
//
// Conn implements bot.Transport on top of go-twitch-irc. Each Connect builds a
// fresh IRC client authenticated as the bot account with the channel owner's
// token, joins the owner's channel, and reports lifecycle changes and chat
// messages on Events. Outbound messages are paced by a token bucket sized to
// Twitch's 20 messages per 30 seconds budget for regular accounts.
package chat
