package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jotsync/jotsync/internal/client"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/spf13/cobra"
)

func newFolderCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders",
	}

	var parent string
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			f := &item.Folder{Title: args[0]}
			if parent != "" {
				id, err := resolveID(cmd.Context(), c.Store(), parent, item.TypeFolder)
				if err != nil {
					return err
				}
				f.ParentID = id
			}
			if err := c.Store().Save(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), f.ID)
			return nil
		}),
	}
	add.Flags().StringVar(&parent, "parent", "", "id of the parent folder")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List folders",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			folders, err := c.Store().LoadAll(cmd.Context(), item.TypeFolder)
			if err != nil {
				return err
			}
			titles := titlesByID(folders)
			rows := make([][]string, 0, len(folders))
			for _, it := range folders {
				f := it.(*item.Folder)
				rows = append(rows, []string{shortID(f.ID), f.Title, titles[f.ParentID]})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "TITLE", "PARENT"}, rows)
			return nil
		}),
	}

	cmd.AddCommand(add, ls)
	return cmd
}

type bodyFlags struct {
	body string
	file string
}

func (b *bodyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&b.body, "body", "b", "", "note body")
	cmd.Flags().StringVarP(&b.file, "body-file", "f", "", "read the note body from a file, - for stdin")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
}

// read returns the body and whether one was given.
func (b *bodyFlags) read(cmd *cobra.Command) (string, bool, error) {
	switch {
	case cmd.Flags().Changed("body"):
		return b.body, true, nil
	case b.file == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), true, err
	case b.file != "":
		data, err := os.ReadFile(b.file)
		return string(data), true, err
	}
	return "", false, nil
}

func newNoteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Manage notes",
	}

	var (
		addBody bodyFlags
		folder  string
	)
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a note",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			n := &item.Note{Title: args[0]}
			body, _, err := addBody.read(cmd)
			if err != nil {
				return err
			}
			n.Body = body
			if folder != "" {
				if n.ParentID, err = resolveID(cmd.Context(), c.Store(), folder, item.TypeFolder); err != nil {
					return err
				}
			}
			if err := c.Store().Save(cmd.Context(), n); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.ID)
			return nil
		}),
	}
	addBody.register(add)
	add.Flags().StringVar(&folder, "folder", "", "id of the folder to create the note in")

	var (
		editBody bodyFlags
		title    string
	)
	edit := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change the title or body of a note",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			n, err := loadNote(cmd.Context(), c.Store(), args[0])
			if err != nil {
				return err
			}
			body, changed, err := editBody.read(cmd)
			if err != nil {
				return err
			}
			if !changed && !cmd.Flags().Changed("title") {
				return fmt.Errorf("nothing to change, pass --title or --body")
			}
			if changed {
				n.Body = body
			}
			if cmd.Flags().Changed("title") {
				n.Title = title
			}
			return c.Store().Save(cmd.Context(), n)
		}),
	}
	editBody.register(edit)
	edit.Flags().StringVar(&title, "title", "", "new title")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a note",
		Args:  cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			n, err := loadNote(cmd.Context(), c.Store(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, headStyle.Render(n.Title))
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s, updated %s", n.ID, humanize.Time(time.UnixMilli(n.UpdatedTime)))))
			if n.IsConflict {
				fmt.Fprintln(out, warnStyle.Render("conflict copy of "+n.ConflictOriginalID))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, n.Body)
			return nil
		}),
	}

	var lsFolder string
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			ctx := cmd.Context()
			parent := ""
			if lsFolder != "" {
				var err error
				if parent, err = resolveID(ctx, c.Store(), lsFolder, item.TypeFolder); err != nil {
					return err
				}
			}
			notes, err := c.Store().LoadAll(ctx, item.TypeNote)
			if err != nil {
				return err
			}
			folders, err := c.Store().LoadAll(ctx, item.TypeFolder)
			if err != nil {
				return err
			}
			folderTitles := titlesByID(folders)

			rows := make([][]string, 0, len(notes))
			for _, it := range notes {
				n := it.(*item.Note)
				if parent != "" && n.ParentID != parent {
					continue
				}
				title := n.Title
				if n.IsConflict {
					title += " " + warnStyle.Render("[conflict]")
				}
				rows = append(rows, []string{
					shortID(n.ID), title, folderTitles[n.ParentID],
					humanize.Time(time.UnixMilli(n.UpdatedTime)),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "TITLE", "FOLDER", "UPDATED"}, rows)
			return nil
		}),
	}
	ls.Flags().StringVar(&lsFolder, "folder", "", "only list notes in this folder")

	rm := &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a note",
		Args:    cobra.ExactArgs(1),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			id, err := resolveID(cmd.Context(), c.Store(), args[0], item.TypeNote)
			if err != nil {
				return err
			}
			return c.Store().Delete(cmd.Context(), id)
		}),
	}

	attach := &cobra.Command{
		Use:   "attach <id> <file>",
		Short: "Attach a file to a note as a resource",
		Args:  cobra.ExactArgs(2),
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			ctx := cmd.Context()
			n, err := loadNote(ctx, c.Store(), args[0])
			if err != nil {
				return err
			}
			res, err := c.Store().CreateResource(ctx, args[1], "")
			if err != nil {
				return err
			}
			n.Body = strings.TrimRight(n.Body, "\n") + "\n\n" + resourceLink(res) + "\n"
			if err := c.Store().Save(ctx, n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", res.ID, res.Title, humanize.Bytes(uint64(res.Size)))
			return nil
		}),
	}

	cmd.AddCommand(add, edit, show, ls, rm, attach)
	return cmd
}

func newConflictsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List conflict copies created by sync",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			conflicts, err := c.Store().Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(conflicts))
			for _, it := range conflicts {
				original := ""
				if n, ok := it.(*item.Note); ok {
					original = shortID(n.ConflictOriginalID)
				}
				rows = append(rows, []string{
					shortID(it.Base().ID), it.Type().String(), item.Title(it), original,
					humanize.Time(time.UnixMilli(it.Base().UpdatedTime)),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "TITLE", "ORIGINAL", "UPDATED"}, rows)
			return nil
		}),
	}
}

func resourceLink(r *item.Resource) string {
	link := fmt.Sprintf("[%s](:/%s)", r.Title, r.ID)
	if strings.HasPrefix(r.Mime, "image/") {
		return "!" + link
	}
	return link
}

// resolveID expands an id prefix to the one item of type t it names.
func resolveID(ctx context.Context, st *store.Store, prefix string, t item.ModelType) (string, error) {
	prefix = strings.ToLower(prefix)
	ids, err := st.AllIDs(ctx)
	if err != nil {
		return "", err
	}

	var match string
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		it, err := st.Load(ctx, id)
		if err != nil {
			return "", err
		}
		if it.Type() != t {
			continue
		}
		if match != "" {
			return "", fmt.Errorf("%s id %q is ambiguous", t, prefix)
		}
		match = id
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s %s", store.ErrNotFound, t, prefix)
	}
	return match, nil
}

func loadNote(ctx context.Context, st *store.Store, prefix string) (*item.Note, error) {
	id, err := resolveID(ctx, st, prefix, item.TypeNote)
	if err != nil {
		return nil, err
	}
	it, err := st.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return it.(*item.Note), nil
}

func titlesByID(items []item.Item) map[string]string {
	titles := make(map[string]string, len(items))
	for _, it := range items {
		titles[it.Base().ID] = item.Title(it)
	}
	return titles
}
