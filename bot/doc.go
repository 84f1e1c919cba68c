// Package bot supervises one Twitch chat session per channel owner.
//
// A Session keeps its Transport connected (reconnecting on unsolicited
// disconnects), posts a joke every few minutes, and answers chat commands via
// package command. The Registry owns all sessions, keyed by tenant id, and
// guarantees that a tenant's old session is fully stopped before a
// replacement starts connecting.
package bot
