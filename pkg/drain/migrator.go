package drain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-fleet/pkg/bus"
	"github.com/wopr-network/wopr-fleet/pkg/log"
	"github.com/wopr-network/wopr-fleet/pkg/storage"
	"github.com/wopr-network/wopr-fleet/pkg/types"
)

// DefaultBotImage is used when a bot has no stored profile.
const DefaultBotImage = "wopr/bot:latest"

// BusMigrator moves a bot between two live nodes over the command bus:
// export and upload on the source, then download, import, and inspect on
// the target, and finally remove on the source.
type BusMigrator struct {
	bus   *bus.Bus
	store storage.Store
}

func NewBusMigrator(b *bus.Bus, store storage.Store) *BusMigrator {
	return &BusMigrator{bus: b, store: store}
}

func (m *BusMigrator) MigrateBot(ctx context.Context, bot *types.BotInstance, targetNodeID string) error {
	backupKey := types.BackupKeyFor(bot.Name)

	if _, err := m.bus.Send(ctx, bot.NodeID, types.CommandBotExport, map[string]interface{}{
		"name": bot.Name,
	}); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if _, err := m.bus.Send(ctx, bot.NodeID, types.CommandBackupUpload, map[string]interface{}{
		"name":     bot.Name,
		"filename": backupKey,
	}); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	// the uploaded tarball doubles as the tenant's newest restore point
	if err := m.store.CreateSnapshot(&types.Snapshot{
		ID:          uuid.New().String(),
		Tenant:      bot.TenantID,
		InstanceID:  bot.ID,
		Type:        types.SnapshotPreRestore,
		StoragePath: backupKey,
		CreatedAt:   time.Now(),
	}); err != nil {
		log.WithTenantID(bot.TenantID).Warn().Err(err).Msg("snapshot record write failed")
	}

	if _, err := m.bus.Send(ctx, targetNodeID, types.CommandBackupDownload, map[string]interface{}{
		"filename": backupKey,
	}); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	image := DefaultBotImage
	env := map[string]string{}
	if profile, err := m.store.GetBotProfile(bot.ID); err != nil {
		return err
	} else if profile != nil {
		if profile.Image != "" {
			image = profile.Image
		}
		if profile.Env != nil {
			env = profile.Env
		}
	}

	if _, err := m.bus.Send(ctx, targetNodeID, types.CommandBotImport, map[string]interface{}{
		"name":  bot.Name,
		"image": image,
		"env":   env,
	}); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if _, err := m.bus.Send(ctx, targetNodeID, types.CommandBotInspect, map[string]interface{}{
		"name": bot.Name,
	}); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	// best-effort cleanup on the source: the bot now runs on the target
	if _, err := m.bus.Send(ctx, bot.NodeID, types.CommandBotRemove, map[string]interface{}{
		"name": bot.Name,
	}); err != nil {
		log.WithNodeID(bot.NodeID).Warn().Err(err).
			Str("bot_id", bot.ID).
			Msg("source cleanup failed after migration")
	}
	return nil
}
