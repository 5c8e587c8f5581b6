package store

import (
	"context"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps snapshots in relational tables: a session row owning node and
// connection rows, each connection owning its label rows.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open, migrated database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Load(ctx context.Context, sessionID string) (models.Snapshot, error) {
	var session models.BoardSession
	err := g.db.WithContext(ctx).
		Preload("Nodes", byPosition).
		Preload("Connections", byPosition).
		Preload("Connections.Labels", byPosition).
		Where("session_id = ?", sessionID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Snapshot{}, ErrSessionNotFound
		}
		return models.Snapshot{}, errors.Wrap(err, "load session failed")
	}
	return session.Snapshot(), nil
}

// Save upserts the session row only when the incoming version is newer than the
// stored one, then rewrites the child rows. Two processes racing on one session
// cannot move it backwards; the loser gets ErrStaleVersion.
func (g *GormStore) Save(ctx context.Context, snap models.Snapshot) error {
	session := models.SessionFromSnapshot(snap)

	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "begin transaction failed")
	}

	res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "node_count", "connection_count", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("board_sessions.version < excluded.version"),
		}},
	}).Create(&session)
	if res.Error != nil {
		tx.Rollback()
		return errors.Wrap(res.Error, "upsert session row failed")
	}
	if res.RowsAffected == 0 {
		tx.Rollback()
		return ErrStaleVersion
	}

	if err := deleteChildren(tx, snap.SessionID); err != nil {
		tx.Rollback()
		return err
	}
	if len(session.Nodes) > 0 {
		if err := tx.CreateInBatches(&session.Nodes, 200).Error; err != nil {
			tx.Rollback()
			return errors.Wrap(err, "insert node rows failed")
		}
	}
	// Labels are inserted with their connections.
	if len(session.Connections) > 0 {
		if err := tx.Create(&session.Connections).Error; err != nil {
			tx.Rollback()
			return errors.Wrap(err, "insert connection rows failed")
		}
	}

	if err := tx.Commit().Error; err != nil {
		return errors.Wrap(err, "commit transaction failed")
	}
	return nil
}

func (g *GormStore) Delete(ctx context.Context, sessionID string) error {
	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "begin transaction failed")
	}
	if err := deleteChildren(tx, sessionID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Unscoped().Where("session_id = ?", sessionID).Delete(&models.BoardSession{}).Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "delete session row failed")
	}
	if err := tx.Commit().Error; err != nil {
		return errors.Wrap(err, "commit transaction failed")
	}
	return nil
}

func (g *GormStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	var sessions []models.BoardSession
	if err := g.db.WithContext(ctx).Order("updated_at desc").Order("session_id asc").Find(&sessions).Error; err != nil {
		return nil, errors.Wrap(err, "list session rows failed")
	}
	out := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out, nil
}

// Mode reports ModeDurable.
func (g *GormStore) Mode() Mode {
	return ModeDurable
}

func byPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position asc")
}

// deleteChildren hard deletes the child rows of a session.
func deleteChildren(tx *gorm.DB, sessionID string) error {
	if err := tx.Unscoped().Where("session_id = ?", sessionID).Delete(&models.BoardLabel{}).Error; err != nil {
		return errors.Wrap(err, "delete label rows failed")
	}
	if err := tx.Unscoped().Where("session_id = ?", sessionID).Delete(&models.BoardConnection{}).Error; err != nil {
		return errors.Wrap(err, "delete connection rows failed")
	}
	if err := tx.Unscoped().Where("session_id = ?", sessionID).Delete(&models.BoardNode{}).Error; err != nil {
		return errors.Wrap(err, "delete node rows failed")
	}
	return nil
}
