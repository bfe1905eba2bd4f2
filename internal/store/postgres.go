package store

import (
	"context"
	"errors"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres is the gorm-backed Directory. Unique indexes with ON CONFLICT
// make every create-if-absent atomic, and room mutations hold a row lock on
// the room for the whole read-modify-write.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *Postgres) FindUser(ctx context.Context, code string) (*models.User, error) {
	var row userRow
	if err := p.db.WithContext(ctx).Where("code = ?", code).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return p.loadUser(ctx, row)
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var row userRow
	if err := p.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	return p.loadUser(ctx, row)
}

func (p *Postgres) loadUser(ctx context.Context, row userRow) (*models.User, error) {
	db := p.db.WithContext(ctx)
	u := &models.User{
		Code:      row.Code,
		Email:     row.Email,
		Status:    models.UserStatus(row.Status),
		Contacts:  []string{},
		Devices:   []models.Device{},
		ChatRooms: []string{},
		CreatedAt: row.CreatedAt,
	}

	var devices []deviceRow
	if err := db.Where("user_code = ?", row.Code).Order("id").Find(&devices).Error; err != nil {
		return nil, err
	}
	for _, d := range devices {
		u.Devices = append(u.Devices, models.Device{Token: d.Token, Platform: d.Platform, LastUsed: d.LastUsed})
	}

	var contacts []contactRow
	if err := db.Where("user_code = ?", row.Code).Order("created_at, contact_code").Find(&contacts).Error; err != nil {
		return nil, err
	}
	for _, c := range contacts {
		u.Contacts = append(u.Contacts, c.ContactCode)
	}

	var rooms []userRoomRow
	if err := db.Where("user_code = ?", row.Code).Order("created_at, room_id").Find(&rooms).Error; err != nil {
		return nil, err
	}
	for _, r := range rooms {
		u.ChatRooms = append(u.ChatRooms, r.RoomID)
	}
	return u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, code string, patch UserPatch) (*models.User, error) {
	status := patch.Status
	if status == "" {
		status = models.StatusOffline
	}
	row := userRow{Code: code, Email: patch.Email, Status: string(status)}

	set := map[string]any{}
	if patch.Email != "" {
		set["email"] = patch.Email
	}
	if patch.Status != "" {
		set["status"] = string(patch.Status)
	}
	conflict := clause.OnConflict{Columns: []clause.Column{{Name: "code"}}}
	if len(set) == 0 {
		conflict.DoNothing = true
	} else {
		set["updated_at"] = time.Now()
		conflict.DoUpdates = clause.Assignments(set)
	}
	if err := p.db.WithContext(ctx).Clauses(conflict).Create(&row).Error; err != nil {
		return nil, err
	}
	return p.FindUser(ctx, code)
}

func (p *Postgres) requireUser(tx *gorm.DB, code string) error {
	var n int64
	if err := tx.Model(&userRow{}).Where("code = ?", code).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddDevice(ctx context.Context, code string, device models.Device) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireUser(tx, code); err != nil {
			return err
		}
		row := deviceRow{UserCode: code, Token: device.Token, Platform: device.Platform, LastUsed: device.LastUsed}
		update := []string{"last_used"}
		if device.Platform != "" {
			update = append(update, "platform")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_code"}, {Name: "token"}},
			DoUpdates: clause.AssignmentColumns(update),
		}).Create(&row).Error
	})
}

func (p *Postgres) RemoveDeviceByToken(ctx context.Context, code, token string) (bool, error) {
	res := p.db.WithContext(ctx).Where("user_code = ? AND token = ?", code, token).Delete(&deviceRow{})
	return res.RowsAffected > 0, res.Error
}

func (p *Postgres) AddContact(ctx context.Context, code, contact string) (bool, error) {
	var added bool
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireUser(tx, code); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&contactRow{UserCode: code, ContactCode: contact})
		added = res.RowsAffected > 0
		return res.Error
	})
	return added, err
}

func (p *Postgres) AddRoomToUser(ctx context.Context, code, roomID string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireUser(tx, code); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&userRoomRow{UserCode: code, RoomID: roomID}).Error
	})
}

func (p *Postgres) RemoveRoomFromUser(ctx context.Context, code, roomID string) error {
	return p.db.WithContext(ctx).Where("user_code = ? AND room_id = ?", code, roomID).Delete(&userRoomRow{}).Error
}

func (p *Postgres) DeleteUser(ctx context.Context, code string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.requireUser(tx, code); err != nil {
			return err
		}
		for _, model := range []any{&memberRow{}, &userRoomRow{}, &contactRow{}, &deviceRow{}} {
			if err := tx.Where("user_code = ?", code).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Where("code = ?", code).Delete(&userRow{}).Error
	})
}

func (p *Postgres) FindRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	return p.findRoom(p.db.WithContext(ctx), roomID, true)
}

func (p *Postgres) findRoom(tx *gorm.DB, roomID string, withMessages bool) (*models.ChatRoom, error) {
	var row roomRow
	if err := tx.Where("room_id = ?", roomID).First(&row).Error; err != nil {
		return nil, notFound(err)
	}
	rooms, err := p.assemble(tx, []roomRow{row}, withMessages)
	if err != nil {
		return nil, err
	}
	return &rooms[0], nil
}

// assemble loads members, messages and read receipts for rows in a fixed
// number of queries.
func (p *Postgres) assemble(tx *gorm.DB, rows []roomRow, withMessages bool) ([]models.ChatRoom, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	byID := make(map[string]*models.ChatRoom, len(rows))
	out := make([]models.ChatRoom, len(rows))
	for i, r := range rows {
		ids[i] = r.RoomID
		out[i] = models.ChatRoom{
			RoomID:    r.RoomID,
			Type:      models.RoomType(r.Type),
			Members:   []string{},
			ReadBy:    append([]string{}, r.ReadBy...),
			Messages:  []models.Message{},
			CreatedAt: r.CreatedAt,
		}
		if len(r.Details) > 0 {
			out[i].RoomDetails.Extra = map[string]any(r.Details)
		}
		byID[r.RoomID] = &out[i]
	}

	var members []memberRow
	if err := tx.Where("room_id IN ?", ids).Order("created_at, user_code").Find(&members).Error; err != nil {
		return nil, err
	}
	for _, m := range members {
		room := byID[m.RoomID]
		room.Members = append(room.Members, m.UserCode)
		if m.IsAdmin {
			room.RoomDetails.GroupAdmins = append(room.RoomDetails.GroupAdmins, m.UserCode)
		}
	}
	if !withMessages {
		return out, nil
	}

	var msgs []messageRow
	if err := tx.Where("room_id IN ?", ids).Order("seq").Find(&msgs).Error; err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return out, nil
	}
	msgIDs := make([]string, len(msgs))
	for i, m := range msgs {
		msgIDs[i] = m.MessageID
	}
	var reads []readRow
	if err := tx.Where("message_id IN ?", msgIDs).Order("created_at, user_code").Find(&reads).Error; err != nil {
		return nil, err
	}
	readBy := make(map[string][]string, len(msgs))
	for _, r := range reads {
		readBy[r.MessageID] = append(readBy[r.MessageID], r.UserCode)
	}
	for _, m := range msgs {
		room := byID[m.RoomID]
		room.Messages = append(room.Messages, models.Message{
			MessageID: m.MessageID,
			ClientID:  m.ClientID,
			RoomID:    m.RoomID,
			Sender:    m.Sender,
			Receiver:  m.Receiver,
			Text:      m.Text,
			Status:    models.MessageStatus(m.Status),
			Timestamp: m.Timestamp,
			ReadBy:    append([]string{}, readBy[m.MessageID]...),
		})
	}
	return out, nil
}

func toRoomRow(room models.ChatRoom) roomRow {
	row := roomRow{
		RoomID:    room.RoomID,
		Type:      string(room.Type),
		ReadBy:    datatypes.JSONSlice[string](dedupe(room.ReadBy)),
		Details:   datatypes.JSONMap(room.RoomDetails.Extra),
		CreatedAt: room.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return row
}

func (p *Postgres) insertMembers(tx *gorm.DB, room models.ChatRoom) error {
	normalizeAdmins(&room)
	for _, code := range dedupe(room.Members) {
		row := memberRow{RoomID: room.RoomID, UserCode: code, IsAdmin: room.RoomDetails.IsAdmin(code)}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_code"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_admin"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CreateRoomIfAbsent(ctx context.Context, room models.ChatRoom) (*models.ChatRoom, bool, error) {
	var created bool
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toRoomRow(room)
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "room_id"}}, DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return p.insertMembers(tx, room)
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := p.FindRoom(ctx, room.RoomID)
	return stored, created, err
}

func (p *Postgres) CreateRoom(ctx context.Context, room models.ChatRoom) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toRoomRow(room)
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "room_id"}}, DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return p.insertMembers(tx, room)
	})
}

func (p *Postgres) UpdateRoom(ctx context.Context, roomID string, mutate RoomMutation) (*models.ChatRoom, error) {
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked roomRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("room_id = ?", roomID).First(&locked).Error; err != nil {
			return notFound(err)
		}
		rooms, err := p.assemble(tx, []roomRow{locked}, false)
		if err != nil {
			return err
		}
		work := rooms[0]
		if err := mutate(&work); err != nil {
			return err
		}
		work.Members = dedupe(work.Members)

		del := tx.Where("room_id = ?", roomID)
		if len(work.Members) > 0 {
			del = del.Where("user_code NOT IN ?", work.Members)
		}
		if err := del.Delete(&memberRow{}).Error; err != nil {
			return err
		}
		if err := p.insertMembers(tx, work); err != nil {
			return err
		}
		return tx.Model(&roomRow{}).Where("room_id = ?", roomID).Updates(map[string]any{
			"details":    datatypes.JSONMap(work.RoomDetails.Extra),
			"updated_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return p.FindRoom(ctx, roomID)
}

func (p *Postgres) RoomsForUser(ctx context.Context, code string) ([]models.ChatRoom, error) {
	db := p.db.WithContext(ctx)
	var rows []roomRow
	sub := db.Model(&memberRow{}).Select("room_id").Where("user_code = ?", code)
	if err := db.Where("room_id IN (?)", sub).Find(&rows).Error; err != nil {
		return nil, err
	}
	return p.assemble(db, rows, true)
}

func (p *Postgres) AppendMessage(ctx context.Context, roomID string, msg models.Message) (*models.Message, error) {
	msg.RoomID = roomID
	msg.ReadBy = dedupe(msg.ReadBy)
	msg.Timestamp = msg.Timestamp.UTC().Truncate(time.Microsecond)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked roomRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("room_id = ?", roomID).First(&locked).Error; err != nil {
			return notFound(err)
		}
		var last []messageRow
		if err := tx.Select("timestamp").Where("room_id = ?", roomID).Order("seq desc").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		if len(last) == 1 && msg.Timestamp.Before(last[0].Timestamp) {
			msg.Timestamp = last[0].Timestamp
		}
		row := messageRow{
			MessageID: msg.MessageID,
			ClientID:  msg.ClientID,
			RoomID:    roomID,
			Sender:    msg.Sender,
			Receiver:  msg.Receiver,
			Text:      msg.Text,
			Status:    string(msg.Status),
			Timestamp: msg.Timestamp,
		}
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		for _, code := range msg.ReadBy {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&readRow{MessageID: msg.MessageID, UserCode: code}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// statusesBelow lists the statuses that status supersedes.
func statusesBelow(status models.MessageStatus) []string {
	var out []string
	for _, s := range []models.MessageStatus{models.MessageSent, models.MessageDelivered, models.MessageRead} {
		if s.Advance(status) != s {
			out = append(out, string(s))
		}
	}
	return out
}

func (p *Postgres) SetAllMessagesStatus(ctx context.Context, roomID string, status models.MessageStatus) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row roomRow
		if err := tx.Select("room_id").Where("room_id = ?", roomID).First(&row).Error; err != nil {
			return notFound(err)
		}
		below := statusesBelow(status)
		if len(below) == 0 {
			return nil
		}
		res := tx.Model(&messageRow{}).Where("room_id = ? AND status IN ?", roomID, below).Update("status", string(status))
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (p *Postgres) MarkReadForUser(ctx context.Context, roomID, code string) (int64, error) {
	var n int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row roomRow
		if err := tx.Select("room_id").Where("room_id = ?", roomID).First(&row).Error; err != nil {
			return notFound(err)
		}
		res := tx.Exec(`INSERT INTO message_reads (message_id, user_code, created_at)
			SELECT message_id, ?, ? FROM messages WHERE room_id = ?
			ON CONFLICT DO NOTHING`, code, time.Now(), roomID)
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
