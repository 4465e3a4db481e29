package store

import (
	"database/sql"
)

// foldConversations collapses a newest-first message scan (joined with the
// peer's directory row) into one summary per peer. The first row seen for a
// peer is its latest message.
func foldConversations(rows *sql.Rows, userID string) ([]ConversationSummary, error) {
	var (
		order     []string
		summaries = make(map[string]*ConversationSummary)
	)

	for rows.Next() {
		var m Message
		var peerID, peerName, peerRole string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.Read, &m.CreatedAt,
			&peerID, &peerName, &peerRole); err != nil {
			return nil, err
		}

		cs, ok := summaries[peerID]
		if !ok {
			cs = &ConversationSummary{
				PeerID:      peerID,
				PeerName:    peerName,
				PeerRole:    peerRole,
				LastMessage: m,
			}
			summaries[peerID] = cs
			order = append(order, peerID)
		}
		if m.Receiver == userID && !m.Read {
			cs.Unread++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]ConversationSummary, 0, len(order))
	for _, id := range order {
		result = append(result, *summaries[id])
	}
	return result, nil
}

// scanIDs drains a single-column id query.
func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
