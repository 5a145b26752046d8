package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatcore/pkg/attachment"
	"github.com/lrhodin/chatcore/pkg/chat"
)

var historyCommand = &cli.Command{
	Name:      "history",
	Usage:     "Show the messages of a conversation grouped by day",
	ArgsUsage: "CONVERSATION",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdHistory,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message",
	ArgsUsage: "CONVERSATION TEXT...",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdSend,
}

var uploadCommand = &cli.Command{
	Name:      "upload",
	Usage:     "Upload a file and send it as a message",
	ArgsUsage: "CONVERSATION FILE",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "mime",
			Usage: "Override the detected MIME type",
		},
	},
	Before: requiresConversation,
	After:  disconnectClient,
	Action: cmdUpload,
}

var editCommand = &cli.Command{
	Name:      "edit",
	Usage:     "Replace the text of one of your messages",
	ArgsUsage: "CONVERSATION MESSAGE TEXT...",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdEdit,
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete one of your messages",
	ArgsUsage: "CONVERSATION MESSAGE",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdDelete,
}

var deleteChatCommand = &cli.Command{
	Name:      "delete-chat",
	Usage:     "Delete a whole conversation",
	ArgsUsage: "CONVERSATION",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdDeleteChat,
}

var membersCommand = &cli.Command{
	Name:      "members",
	Usage:     "List the members of a conversation",
	ArgsUsage: "CONVERSATION",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdMembers,
}

func formatMessage(msg chat.Message, viewer string) string {
	who := "them"
	if msg.IsOwn() {
		who = viewer
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s  %-10s ", msg.Timestamp.Local().Format("15:04"), who)
	if msg.Attachment != nil {
		fmt.Fprintf(&b, "[%s %s, %s", msg.Attachment.Kind, msg.Attachment.Name, msg.Attachment.HumanSize())
		if dims := msg.Attachment.Dimensions(); dims != "" {
			fmt.Fprintf(&b, ", %s", dims)
		}
		fmt.Fprintf(&b, "] %s", msg.Attachment.URL)
	} else {
		b.WriteString(msg.Text)
	}
	if msg.IsPending() {
		b.WriteString(" (sending)")
	} else if msg.Status != chat.StatusNone {
		fmt.Fprintf(&b, " (%s)", msg.Status)
	}
	if msg.Editable {
		fmt.Fprintf(&b, "  #%s", msg.ID)
	}
	return b.String()
}

func cmdHistory(ctx *cli.Context) error {
	client := getClient(ctx)
	for _, bucket := range client.Engine.Groups(time.Now()) {
		fmt.Println(bucket.Label)
		for _, msg := range bucket.Messages {
			fmt.Println(formatMessage(msg, client.Viewer.Username))
		}
	}
	return nil
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify the message text")
	}
	client := getClient(ctx)
	client.Engine.SetDraft(strings.Join(ctx.Args().Slice()[1:], " "))
	if err := client.Engine.Send(ctx.Context); err != nil {
		return err
	}
	fmt.Println("Message sent")
	return nil
}

func cmdUpload(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a file")
	}
	path := ctx.Args().Get(1)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	payload := attachment.Payload{
		Name: filepath.Base(path),
		MIME: ctx.String("mime"),
		Data: data,
	}
	if err = getClient(ctx).Engine.UploadFile(ctx.Context, payload); err != nil {
		return err
	}
	fmt.Printf("Uploaded %s\n", payload.Name)
	return nil
}

func cmdEdit(ctx *cli.Context) error {
	if ctx.NArg() < 3 {
		return fmt.Errorf("you must specify a message ID and the new text")
	}
	args := ctx.Args().Slice()
	if err := getClient(ctx).Engine.Edit(ctx.Context, args[1], strings.Join(args[2:], " ")); err != nil {
		return err
	}
	fmt.Println("Message edited")
	return nil
}

func cmdDelete(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("you must specify a message ID")
	}
	if err := getClient(ctx).Engine.Delete(ctx.Context, ctx.Args().Get(1)); err != nil {
		return err
	}
	fmt.Println("Message deleted")
	return nil
}

func cmdDeleteChat(ctx *cli.Context) error {
	convID := ctx.Args().First()
	if err := getClient(ctx).Engine.DeleteConversation(ctx.Context); err != nil {
		return err
	}
	fmt.Printf("Conversation '%s' deleted\n", convID)
	return nil
}

func cmdMembers(ctx *cli.Context) error {
	members, err := getClient(ctx).Engine.Members(ctx.Context)
	if err != nil {
		return err
	}
	for _, m := range members {
		role := m.Role
		if role == "" {
			role = "member"
		}
		fmt.Printf("%-24s %-10s %s\n", m.Username, role, m.UserID)
	}
	return nil
}
