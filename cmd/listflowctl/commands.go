package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pitabwire/listflow/internal/app"
	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/transition"
	"github.com/pitabwire/listflow/internal/workflow"
	"github.com/pitabwire/listflow/model"
)

var errActorRequired = errors.New("--as is required for this command")

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the item store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force := func(cfg *config.Config) { cfg.Store.AutoMigrate = true }
			return ctx.withComponents(cmd, force, func(*app.Components) error {
				cfg, _ := ctx.ensureConfig()
				if cfg.Store.Driver == config.StoreMemory {
					fmt.Fprintln(cmd.OutOrStdout(), "Memory store has no schema")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", cfg.Store.Driver)
				return nil
			})
		},
	}
}

func newUserCommand(ctx *commandContext) *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users in the store-backed directory",
	}

	var name, role string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or replace a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := model.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			user := model.User{ID: args[0], Name: name, Role: r}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				if err := c.Store.PutUser(cmd.Context(), user); err != nil {
					return err
				}
				c.Directory.Invalidate(user.ID)
				fmt.Fprintf(cmd.OutOrStdout(), "User %s saved as %s\n", user.ID, user.Role)
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&role, "role", "", "Role (PHOTOGRAPHER, PROCESSOR, PRICER, PUBLISHER, MANAGER, ADMIN)")
	_ = add.MarkFlagRequired("role")

	userCmd.AddCommand(add)
	return userCmd
}

func newIntakeCommand(ctx *commandContext) *cobra.Command {
	var photos []string
	var category, condition string

	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Create a new item at PHOTO_UPLOAD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				user, err := c.Directory.GetUser(cmd.Context(), actor)
				if err != nil {
					return err
				}
				if !transition.IsAuthorized(user.Role, model.StagePhotoUpload, model.StageAIProcessing) {
					return model.NewUnauthorizedError(
						fmt.Sprintf("role %s cannot create items", user.Role),
					).With(model.CtxRole, string(user.Role))
				}

				now := time.Now().UTC()
				item := model.Item{
					ID:        uuid.NewString(),
					Stage:     model.StagePhotoUpload,
					Status:    model.StatusActive,
					PhotoRefs: photos,
					CreatedBy: user.ID,
					CreatedAt: now,
					UpdatedAt: now,
					Version:   1,
				}
				content := map[string]any{}
				if category != "" {
					content[model.ContentCategory] = category
				}
				if condition != "" {
					content[model.ContentCondition] = condition
				}
				if len(content) > 0 {
					item.Content = content
				}

				if err := c.Store.CreateItem(cmd.Context(), item); err != nil {
					return err
				}
				return ctx.printItems(cmd, item)
			})
		},
	}

	cmd.Flags().StringSliceVarP(&photos, "photo", "p", nil, "Photo reference (repeatable)")
	cmd.Flags().StringVar(&category, "category", "", "Category hint for the listing")
	cmd.Flags().StringVar(&condition, "condition", "", "Condition hint for the listing")
	return cmd
}

func newNextCommand(ctx *commandContext) *cobra.Command {
	var exclude string

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the oldest item waiting for the acting user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				item, err := c.Engine.NextItem(cmd.Context(), actor, exclude)
				if err != nil {
					return err
				}
				if item == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				return ctx.printItems(cmd, *item)
			})
		},
	}

	cmd.Flags().StringVar(&exclude, "exclude", "", "Item ID to skip")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list <stage>",
		Short: "List items in a stage, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := model.ParseStage(args[0])
			if !ok {
				return fmt.Errorf("unknown stage %q", args[0])
			}
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				items, err := c.Engine.ListByStage(cmd.Context(), stage, actor)
				if err != nil {
					return err
				}
				if len(items) == 0 && !*ctx.jsonFlag {
					fmt.Fprintf(cmd.OutOrStdout(), "No items in %s\n", stage)
					return nil
				}
				return ctx.printItems(cmd, items...)
			})
		},
	}
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				item, err := c.Engine.GetItem(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return ctx.printItemDetail(cmd, item)
			})
		},
	}
}

func newAdvanceCommand(ctx *commandContext) *cobra.Command {
	var notes, idemKey string
	var changes []string

	cmd := &cobra.Command{
		Use:   "advance <item-id>",
		Short: "Move an item to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			parsed, err := parseChanges(changes)
			if err != nil {
				return err
			}
			in := workflow.AdvanceInput{Notes: notes, Changes: parsed, IdempotencyKey: idemKey}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				item, err := c.Engine.Advance(cmd.Context(), actor, args[0], in)
				if err != nil {
					return err
				}
				return ctx.printItems(cmd, item)
			})
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "Notes recorded on the audit row")
	cmd.Flags().StringArrayVar(&changes, "set", nil, "Content change as key=value (repeatable); numbers and booleans are typed")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Token that makes a retried advance a no-op")
	return cmd
}

func newRejectCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <item-id>",
		Short: "Reject an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				item, err := c.Engine.Reject(cmd.Context(), actor, args[0], reason)
				if err != nil {
					return err
				}
				return ctx.printItems(cmd, item)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the item is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newSendBackCommand(ctx *commandContext) *cobra.Command {
	var target, reason string

	cmd := &cobra.Command{
		Use:   "send-back <item-id>",
		Short: "Return an item to an earlier stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, ok := model.ParseStage(target)
			if !ok {
				return fmt.Errorf("unknown stage %q", target)
			}
			actor, err := ctx.actor()
			if err != nil {
				return err
			}
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				item, err := c.Engine.SendBack(cmd.Context(), actor, args[0], stage, reason)
				if err != nil {
					return err
				}
				return ctx.printItems(cmd, item)
			})
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "Target stage")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the item goes back")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <item-id>",
		Short: "Show the audit trail of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withComponents(cmd, nil, func(c *app.Components) error {
				actions, err := c.Engine.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(actions) == 0 && !*ctx.jsonFlag {
					fmt.Fprintln(cmd.OutOrStdout(), "No actions recorded")
					return nil
				}
				return ctx.printActions(cmd, actions)
			})
		},
	}
}

// parseChanges turns key=value pairs into a change map. An empty value
// removes the key.
func parseChanges(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid change %q, want key=value", pair)
		}
		out[key] = typedValue(value)
	}
	return out, nil
}

func typedValue(raw string) any {
	if raw == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}
