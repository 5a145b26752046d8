package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
)

var whoamiCommand = &cli.Command{
	Name:   "whoami",
	Usage:  "Show the account the token belongs to",
	Before: requiresClient,
	After:  disconnectClient,
	Action: cmdWhoami,
}

var chatsCommand = &cli.Command{
	Name:   "chats",
	Usage:  "List conversations with their latest message",
	Before: requiresClient,
	After:  disconnectClient,
	Action: cmdChats,
}

var notificationsCommand = &cli.Command{
	Name:    "notifications",
	Aliases: []string{"inbox"},
	Usage:   "List recent notifications",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "limit",
			Usage: "Number of notifications to fetch",
			Value: 10,
		},
	},
	Before: requiresClient,
	After:  disconnectClient,
	Action: cmdNotifications,
}

var acceptCommand = &cli.Command{
	Name:      "accept",
	Usage:     "Open a notification, joining the group if it's an invite",
	ArgsUsage: "NOTIFICATION",
	Before:    requiresClient,
	After:     disconnectClient,
	Action:    cmdAccept,
}

var readAllCommand = &cli.Command{
	Name:   "read-all",
	Usage:  "Mark all unread notifications as read",
	Before: requiresClient,
	After:  disconnectClient,
	Action: cmdReadAll,
}

func cmdWhoami(ctx *cli.Context) error {
	client := getClient(ctx)
	fmt.Printf("User ID: %s\n", client.Viewer.ID)
	fmt.Printf("Username: %s\n", client.Viewer.Username)
	if client.Viewer.DisplayName != "" {
		fmt.Printf("Display name: %s\n", client.Viewer.DisplayName)
	}
	fmt.Printf("Server: %s\n", client.API.BaseURL())
	fmt.Printf("Unread notifications: %d\n", client.Inbox.Unread())
	return nil
}

func cmdChats(ctx *cli.Context) error {
	client := getClient(ctx)
	if err := client.Chats.LoadPreviews(ctx.Context); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: some previews failed to load: %v\n", err)
	}
	for _, conv := range client.Chats.Items() {
		name := conv.Name
		if name == "" {
			name = conv.ID
		}
		fmt.Printf("%-36s %-24s %s\n", conv.ID, name, conv.LastMessage)
	}
	return nil
}

func cmdNotifications(ctx *cli.Context) error {
	client := getClient(ctx)
	if limit := ctx.Int("limit"); limit != client.Inbox.Limit {
		client.Inbox.Limit = limit
		if err := client.Inbox.Fetch(ctx.Context); err != nil {
			return err
		}
	}
	for _, n := range client.Inbox.Items() {
		marker := " "
		if !n.Read {
			marker = "*"
		}
		detail := n.Payload.Content
		if n.IsInvite() {
			detail = "group " + n.Payload.GroupID
		}
		fmt.Printf("%s %-36s %-16s %-14s %s\n", marker, n.ID, n.Type, humanize.RelTime(n.CreatedAt, time.Now(), "ago", "from now"), detail)
	}
	fmt.Printf("%d unread of %d\n", client.Inbox.Unread(), client.Inbox.Total())
	return nil
}

func cmdAccept(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a notification ID")
	}
	client := getClient(ctx)
	out, err := client.Bridge.Accept(ctx.Context, ctx.Args().First())
	if out.MarkReadErr != nil && out.Joined {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark notification as read: %v\n", out.MarkReadErr)
	}
	if out.Selected {
		fmt.Printf("Joined and opened conversation '%s'\n", client.Chats.Selected())
	} else if err == nil {
		fmt.Println("Notification marked as read")
	}
	if err != nil && out.Selected {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return nil
	}
	return err
}

func cmdReadAll(ctx *cli.Context) error {
	client := getClient(ctx)
	before := client.Inbox.Unread()
	err := client.Inbox.MarkAllRead(ctx.Context)
	fmt.Printf("Marked %d notifications as read\n", before-client.Inbox.Unread())
	return err
}
