package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
)

// GormStore is the RadiusStore backed by the FreeRADIUS SQL schema
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a RADIUS store over db
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var (
	_ RadiusStore = (*GormStore)(nil)
	_ Transactor  = (*GormStore)(nil)
)

// Transaction runs fn inside one database transaction
func (s *GormStore) Transaction(ctx context.Context, fn func(tx RadiusStore) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&GormStore{db: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return wrap("commit", err)
}

func (s *GormStore) ReplaceGroup(ctx context.Context, groupName string, checks, replies []radius.Attribute) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("groupname = ?", groupName).Delete(&models.RadGroupCheck{}).Error; err != nil {
			return err
		}
		if err := tx.Where("groupname = ?", groupName).Delete(&models.RadGroupReply{}).Error; err != nil {
			return err
		}

		if len(checks) > 0 {
			rows := make([]models.RadGroupCheck, 0, len(checks))
			for _, a := range checks {
				rows = append(rows, models.RadGroupCheck{GroupName: groupName, Attribute: a.Name, Op: a.Op, Value: a.Value})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(replies) > 0 {
			rows := make([]models.RadGroupReply, 0, len(replies))
			for _, a := range replies {
				rows = append(rows, models.RadGroupReply{GroupName: groupName, Attribute: a.Name, Op: a.Op, Value: a.Value})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return wrap("replace group "+groupName, err)
}

func (s *GormStore) DeleteGroup(ctx context.Context, groupName string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("groupname = ?", groupName).Delete(&models.RadGroupCheck{}).Error; err != nil {
			return err
		}
		return tx.Where("groupname = ?", groupName).Delete(&models.RadGroupReply{}).Error
	})
	return wrap("delete group "+groupName, err)
}

func (s *GormStore) GroupExists(ctx context.Context, groupName string) (bool, error) {
	var checks, replies int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&models.RadGroupCheck{}).Where("groupname = ?", groupName).Count(&checks).Error; err != nil {
		return false, wrap("group exists", err)
	}
	if err := db.Model(&models.RadGroupReply{}).Where("groupname = ?", groupName).Count(&replies).Error; err != nil {
		return false, wrap("group exists", err)
	}
	return checks+replies > 0, nil
}

func (s *GormStore) LoadGroup(ctx context.Context, groupName string) ([]radius.Attribute, []radius.Attribute, error) {
	var checkRows []models.RadGroupCheck
	var replyRows []models.RadGroupReply
	db := s.db.WithContext(ctx)
	if err := db.Where("groupname = ?", groupName).Order("id").Find(&checkRows).Error; err != nil {
		return nil, nil, wrap("load group", err)
	}
	if err := db.Where("groupname = ?", groupName).Order("id").Find(&replyRows).Error; err != nil {
		return nil, nil, wrap("load group", err)
	}

	var checks, replies []radius.Attribute
	for _, r := range checkRows {
		checks = append(checks, radius.Attribute{Name: r.Attribute, Op: r.Op, Value: r.Value})
	}
	for _, r := range replyRows {
		replies = append(replies, radius.Attribute{Name: r.Attribute, Op: r.Op, Value: r.Value})
	}
	return checks, replies, nil
}

func (s *GormStore) SetPassword(ctx context.Context, username, cleartext string) error {
	return wrap("set password", s.upsertCheck(ctx, username, radius.Set(radius.AttrCleartextPassword, cleartext)))
}

func (s *GormStore) SetGroupMembership(ctx context.Context, username, groupName string, priority int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ?", username).Delete(&models.RadUserGroup{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.RadUserGroup{Username: username, GroupName: groupName, Priority: priority}).Error
	})
	return wrap("set group membership", err)
}

func (s *GormStore) ClearGroupMembership(ctx context.Context, username string) error {
	err := s.db.WithContext(ctx).Where("username = ?", username).Delete(&models.RadUserGroup{}).Error
	return wrap("clear group membership", err)
}

func (s *GormStore) GroupMemberships(ctx context.Context, username string) ([]string, error) {
	var rows []models.RadUserGroup
	if err := s.db.WithContext(ctx).Where("username = ?", username).Order("priority, id").Find(&rows).Error; err != nil {
		return nil, wrap("group memberships", err)
	}
	groups := make([]string, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, r.GroupName)
	}
	return groups, nil
}

func (s *GormStore) Block(ctx context.Context, username, replyMessage string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ? AND attribute = ?", username, radius.AttrReplyMessage).Delete(&models.RadReply{}).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.RadReply{Username: username, Attribute: radius.AttrReplyMessage, Op: radius.OpSet, Value: replyMessage}).Error; err != nil {
			return err
		}
		reject := radius.BlockCheckAttribute()
		if err := tx.Where("username = ? AND attribute = ?", username, reject.Name).Delete(&models.RadCheck{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.RadCheck{Username: username, Attribute: reject.Name, Op: reject.Op, Value: reject.Value}).Error
	})
	return wrap("block", err)
}

func (s *GormStore) Unblock(ctx context.Context, username string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ? AND attribute = ?", username, radius.AttrReplyMessage).Delete(&models.RadReply{}).Error; err != nil {
			return err
		}
		return tx.Where("username = ? AND attribute = ? AND value = ?", username, radius.AttrAuthType, radius.AuthTypeReject).Delete(&models.RadCheck{}).Error
	})
	return wrap("unblock", err)
}

func (s *GormStore) IsBlocked(ctx context.Context, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RadReply{}).
		Where("username = ? AND attribute = ?", username, radius.AttrReplyMessage).
		Count(&count).Error
	if err != nil {
		return false, wrap("is blocked", err)
	}
	return count > 0, nil
}

func (s *GormStore) SetCumulativeSessionLimit(ctx context.Context, username string, seconds int64) error {
	return wrap("set session limit", s.upsertCheck(ctx, username, radius.SetInt(radius.AttrMaxAllSession, seconds)))
}

func (s *GormStore) ClearCumulativeSessionLimit(ctx context.Context, username string) error {
	err := s.db.WithContext(ctx).Where("username = ? AND attribute = ?", username, radius.AttrMaxAllSession).Delete(&models.RadCheck{}).Error
	return wrap("clear session limit", err)
}

func (s *GormStore) UserAttributes(ctx context.Context, username string) ([]radius.Attribute, []radius.Attribute, error) {
	var checkRows []models.RadCheck
	var replyRows []models.RadReply
	db := s.db.WithContext(ctx)
	if err := db.Where("username = ?", username).Order("id").Find(&checkRows).Error; err != nil {
		return nil, nil, wrap("user attributes", err)
	}
	if err := db.Where("username = ?", username).Order("id").Find(&replyRows).Error; err != nil {
		return nil, nil, wrap("user attributes", err)
	}

	var checks, replies []radius.Attribute
	for _, r := range checkRows {
		checks = append(checks, radius.Attribute{Name: r.Attribute, Op: r.Op, Value: r.Value})
	}
	for _, r := range replyRows {
		replies = append(replies, radius.Attribute{Name: r.Attribute, Op: r.Op, Value: r.Value})
	}
	return checks, replies, nil
}

// RemoveLegacySessionTimeouts deletes every Session-Timeout row written by
// releases that capped time per session instead of cumulatively.
func (s *GormStore) RemoveLegacySessionTimeouts(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&models.RadCheck{}, &models.RadReply{}, &models.RadGroupCheck{}, &models.RadGroupReply{}} {
			res := tx.Where("attribute = ?", radius.AttrSessionTimeout).Delete(model)
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, wrap("remove session timeouts", err)
	}
	return removed, nil
}

// upsertCheck keeps exactly one radcheck row named a.Name for username
func (s *GormStore) upsertCheck(ctx context.Context, username string, a radius.Attribute) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.RadCheck
		res := tx.Where("username = ? AND attribute = ?", username, a.Name).Order("id").Limit(1).Find(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.Create(&models.RadCheck{Username: username, Attribute: a.Name, Op: a.Op, Value: a.Value}).Error
		}
		if err := tx.Where("username = ? AND attribute = ? AND id <> ?", username, a.Name, row.ID).Delete(&models.RadCheck{}).Error; err != nil {
			return err
		}
		if row.Op == a.Op && row.Value == a.Value {
			return nil
		}
		return tx.Model(&row).Updates(map[string]interface{}{"op": a.Op, "value": a.Value}).Error
	})
}
