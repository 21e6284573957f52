package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vlyne/internal/model"
	"vlyne/internal/xray/parser"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous reference")
	ErrExists    = errors.New("already exists")
)

const batchSize = 500

func toRow(p *parser.Profile) model.Profile {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	return model.Profile{
		ID:               id,
		Hash:             p.CalculateHash(),
		SubscriptionID:   p.SubscriptionID,
		Raw:              p.OriginalLink,
		Name:             p.Name,
		Protocol:         string(p.Protocol),
		Address:          p.Address,
		Port:             p.Port,
		SubscriptionName: p.SubscriptionName,
		Latency:          p.Latency,
	}
}

// ToProfile re-parses a stored row. The stored identity wins over whatever the
// link would produce on its own.
func ToProfile(row model.Profile) (*parser.Profile, error) {
	p, err := parser.Parse(row.Raw)
	if err != nil {
		return nil, fmt.Errorf("stored profile %s: %w", row.ID, err)
	}
	p.ID = row.ID
	p.Name = row.Name
	p.SubscriptionID = row.SubscriptionID
	p.SubscriptionName = row.SubscriptionName
	p.Latency = row.Latency
	return p, nil
}

// SaveProfiles inserts profiles, skipping any already stored under the same
// subscription. It returns how many rows were actually added.
func SaveProfiles(db *gorm.DB, profiles []*parser.Profile) (int64, error) {
	if len(profiles) == 0 {
		return 0, nil
	}

	batch := make([]model.Profile, 0, len(profiles))
	for _, p := range profiles {
		row := toRow(p)
		p.ID = row.ID
		batch = append(batch, row)
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash"}, {Name: "subscription_id"}},
		DoNothing: true,
	}).CreateInBatches(batch, batchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to save profiles: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListProfiles returns every stored row, manual imports first and then
// grouped by subscription.
func ListProfiles(db *gorm.DB) ([]model.Profile, error) {
	var rows []model.Profile
	err := db.Order("subscription_name, created_at, id").Find(&rows).Error
	return rows, err
}

func SubscriptionProfiles(db *gorm.DB, subscriptionID string) ([]model.Profile, error) {
	var rows []model.Profile
	err := db.Where("subscription_id = ?", subscriptionID).Order("created_at, id").Find(&rows).Error
	return rows, err
}

// LoadProfiles parses rows back into profiles. Rows whose link no longer
// parses are returned in skipped.
func LoadProfiles(rows []model.Profile) (profiles []*parser.Profile, skipped []model.Profile) {
	for _, row := range rows {
		p, err := ToProfile(row)
		if err != nil {
			skipped = append(skipped, row)
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, skipped
}

// FindProfile resolves ref as an exact id, then a unique id prefix, then a
// unique name.
func FindProfile(db *gorm.DB, ref string) (*parser.Profile, error) {
	var row model.Profile
	if err := resolve(db, ref, &row); err != nil {
		return nil, fmt.Errorf("profile %q: %w", ref, err)
	}
	return ToProfile(row)
}

func DeleteProfile(db *gorm.DB, id string) error {
	result := db.Delete(&model.Profile{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("profile %q: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLatency persists the last probe result of each profile.
func UpdateLatency(db *gorm.DB, profiles []*parser.Profile) error {
	return db.Transaction(func(tx *gorm.DB) error {
		for _, p := range profiles {
			err := tx.Model(&model.Profile{}).
				Where("id = ?", p.ID).
				Update("latency", p.Latency).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSubscription inserts sub, assigning an id when it has none. A second
// subscription with the same URL is rejected with ErrExists.
func SaveSubscription(db *gorm.DB, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	var count int64
	if err := db.Model(&model.Subscription{}).
		Where("url = ? AND id <> ?", sub.URL, sub.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("subscription %s: %w", sub.URL, ErrExists)
	}
	return db.Save(sub).Error
}

func ListSubscriptions(db *gorm.DB) ([]model.Subscription, error) {
	var subs []model.Subscription
	err := db.Order("created_at, id").Find(&subs).Error
	return subs, err
}

func FindSubscription(db *gorm.DB, ref string) (*model.Subscription, error) {
	var sub model.Subscription
	if err := resolve(db, ref, &sub); err != nil {
		return nil, fmt.Errorf("subscription %q: %w", ref, err)
	}
	return &sub, nil
}

// DeleteSubscription removes the subscription and every profile it brought in.
func DeleteSubscription(db *gorm.DB, id string) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	result := tx.Delete(&model.Subscription{}, "id = ?", id)
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return fmt.Errorf("subscription %q: %w", id, ErrNotFound)
	}

	if err := tx.Where("subscription_id = ?", id).Delete(&model.Profile{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// ReplaceSubscriptionProfiles swaps the stored profile set of sub for
// profiles and stamps LastUpdate, all or nothing.
func ReplaceSubscriptionProfiles(db *gorm.DB, sub *model.Subscription, profiles []*parser.Profile) (int64, error) {
	for _, p := range profiles {
		p.SubscriptionID = sub.ID
		if p.SubscriptionName == "" {
			p.SubscriptionName = sub.Name
		}
	}

	var added int64
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscription_id = ?", sub.ID).Delete(&model.Profile{}).Error; err != nil {
			return err
		}
		n, err := SaveProfiles(tx, profiles)
		if err != nil {
			return err
		}
		added = n

		sub.LastUpdate = time.Now()
		return tx.Save(sub).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to replace profiles of %s: %w", sub.ID, err)
	}
	return added, nil
}

// resolve fills dest from ref, which is an id, an id prefix or a name.
func resolve[T model.Profile | model.Subscription](db *gorm.DB, ref string, dest *T) error {
	if ref == "" {
		return ErrNotFound
	}

	err := db.Where("id = ?", ref).Take(dest).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	queries := []*gorm.DB{db.Where("name = ?", ref)}
	if !strings.ContainsAny(ref, `%_\`) {
		queries = append([]*gorm.DB{db.Where("id LIKE ?", ref+"%")}, queries...)
	}

	for _, q := range queries {
		var rows []T
		if err := q.Limit(2).Find(&rows).Error; err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			continue
		case 1:
			*dest = rows[0]
			return nil
		default:
			return ErrAmbiguous
		}
	}
	return ErrNotFound
}
