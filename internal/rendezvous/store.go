package rendezvous

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt int64
}

type Participant struct {
	ID       uint `gorm:"primaryKey"`
	RoomID   uint `gorm:"not null;foreignKey:RoomID;constraint:OnDelete:CASCADE"`
	Room     Room `gorm:"constraint:OnDelete:CASCADE"`
	PeerID   string `gorm:"uniqueIndex"`
	JoinedAt int64
	LastSeen int64
}

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	if err := db.AutoMigrate(&Room{}, &Participant{}); err != nil {
		return nil, err
	}
	return db, nil
}

// Store persists room membership so the relay can answer participant
// queries and survive restarts without losing room names.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

func (s *Store) EnsureRoom(name string) (Room, error) {
	var room Room
	err := s.DB.Where(Room{Name: name}).
		Attrs(Room{CreatedAt: time.Now().Unix()}).
		FirstOrCreate(&room).Error
	return room, err
}

func (s *Store) AddParticipant(roomID uint, peerID string) error {
	now := time.Now().Unix()
	participant := Participant{
		RoomID:   roomID,
		PeerID:   peerID,
		JoinedAt: now,
		LastSeen: now,
	}
	return s.DB.Create(&participant).Error
}

func (s *Store) RemoveParticipant(peerID string) error {
	return s.DB.Where("peer_id = ?", peerID).Delete(&Participant{}).Error
}

func (s *Store) TouchParticipant(peerID string, when time.Time) error {
	return s.DB.Model(&Participant{}).
		Where("peer_id = ?", peerID).
		Update("last_seen", when.Unix()).Error
}

func (s *Store) ListParticipants(roomID uint) ([]string, error) {
	var participants []Participant
	if err := s.DB.Where("room_id = ?", roomID).Find(&participants).Error; err != nil {
		return nil, err
	}
	peerIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		peerIDs = append(peerIDs, p.PeerID)
	}
	return peerIDs, nil
}

// ExpireBefore deletes participants whose heartbeat is older than cutoff
// and returns their peer ids so live sessions can be torn down too.
func (s *Store) ExpireBefore(cutoff time.Time) ([]string, error) {
	var stale []Participant
	if err := s.DB.Where("last_seen < ?", cutoff.Unix()).Find(&stale).Error; err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	if err := s.DB.Where("last_seen < ?", cutoff.Unix()).Delete(&Participant{}).Error; err != nil {
		return nil, err
	}
	peerIDs := make([]string, 0, len(stale))
	for _, p := range stale {
		peerIDs = append(peerIDs, p.PeerID)
	}
	return peerIDs, nil
}
