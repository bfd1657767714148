package engine

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/serialize"
)

// memDatabases is the process-wide table of named in-memory databases, so
// that multiple memEngine connections opened against the same filename
// (as sqlite3 connections to the same file would) observe one another's
// writes.
var memDatabases = struct {
	mu  sync.Mutex
	dbs map[string]*memDB
}{dbs: make(map[string]*memDB)}

func openMemDB(filename string) *memDB {
	memDatabases.mu.Lock()
	defer memDatabases.mu.Unlock()
	db, ok := memDatabases.dbs[filename]
	if !ok {
		db = &memDB{tables: make(map[string]*memTable)}
		memDatabases.dbs[filename] = db
	}
	return db
}

// memTable is a column-oriented in-memory table: an ordered column list
// plus a row set.
type memTable struct {
	columns []string
	rows    [][]serialize.Value
}

// memDB is one named in-memory database, shared by every memEngine
// connection opened against it.
type memDB struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

// clone returns a deep copy of t's columns and row set, suitable for
// stashing as a pre-transaction snapshot that later mutation of t cannot
// disturb (table.rows is grown with append, which may write through a
// shared backing array).
func (t *memTable) clone() *memTable {
	cols := make([]string, len(t.columns))
	copy(cols, t.columns)
	rows := make([][]serialize.Value, len(t.rows))
	copy(rows, t.rows)
	return &memTable{columns: cols, rows: rows}
}

// memEngine is a pure-Go Conn/Stmt implementation supporting the small
// slice of SQL this repository's test scenarios exercise: CREATE TABLE,
// INSERT, and SELECT with an optional single-column WHERE equality, plus
// the COUNT(*) and MAX(col) aggregates. It exists to exercise the leader/
// gateway packages' dispatch logic without a cgo dependency, standing in
// for sqlite3Conn the way a hand-written fake stands in for any real
// dependency in a unit test.
//
// Opened through OpenMemOnVFS, the connection's durable state lives in
// the replicating page store rather than in process memory: every
// committed write is serialized into page-sized WAL frames through the
// WALFile surface, and every statement first re-reads pages that other
// connections (or a replicated apply) have published since. The table
// map is then only a decode cache of the page image.
type memConn struct {
	db       *memDB
	isLeader int32

	// txSnapshot, when non-nil, holds the pre-BEGIN state of every table
	// in db, so ROLLBACK can restore it. Only one transaction at a time
	// is supported per connection, matching the gateway's own one
	// transaction-per-connection rule.
	txSnapshot map[string]*memTable

	// Page-store backing, nil for a plain OpenMem connection.
	main     MainFile
	wal      WALFile
	pageSize int

	// syncedFrames/syncedMain are the WAL frame count and main-file size
	// the table cache last reflected; a mismatch means another
	// connection or a replicated apply published new pages. lastImage is
	// the page image this connection last wrote or read, used to append
	// only the dirty pages on the next publish.
	syncedFrames int
	syncedMain   uint32
	lastImage    [][]byte
}

var _ Conn = (*memConn)(nil)

// OpenMem returns a memEngine Conn against the named in-memory database,
// creating it if this is the first connection to that name. The
// connection never touches a page store; writes are visible only through
// the shared process-wide table map.
func OpenMem(filename string) Conn {
	return &memConn{db: openMemDB(filename), isLeader: 1}
}

// memPageSize is the page size OpenMemOnVFS fixes for the databases it
// creates.
const memPageSize = 4096

// OpenMemOnVFS opens filename through fs, backing the connection with the
// replicating page store: the main file and its WAL are opened the way
// the SQL engine would open them, the page size and journal mode are
// negotiated through the file-control pragmas, and from then on every
// committed write lands in the WAL region where Poll can extract it.
func OpenMemOnVFS(filename string, fs FileSystem) (Conn, error) {
	mainFile, err := fs.Open(filename, FlagMainDB|FlagReadWrite|FlagCreate)
	if err != nil {
		return nil, err
	}
	main, ok := mainFile.(MainFile)
	if !ok {
		mainFile.Close()
		return nil, dqerr.New(dqerr.IOReadErr, "%q did not open as a main database file", filename)
	}
	walFile, err := fs.Open(filename+"-wal", FlagWAL|FlagReadWrite|FlagCreate)
	if err != nil {
		main.Close()
		return nil, err
	}
	wal, ok := walFile.(WALFile)
	if !ok {
		walFile.Close()
		main.Close()
		return nil, dqerr.New(dqerr.IOReadErr, "%q did not open as a WAL file", filename)
	}

	if _, err := main.FileControl("page_size", strconv.Itoa(memPageSize)); err != nil {
		wal.Close()
		main.Close()
		return nil, err
	}
	if _, err := main.FileControl("journal_mode", "WAL"); err != nil {
		wal.Close()
		main.Close()
		return nil, err
	}

	return &memConn{
		db:       &memDB{tables: make(map[string]*memTable)},
		isLeader: 1,
		main:     main,
		wal:      wal,
		pageSize: memPageSize,
	}, nil
}

func (c *memConn) Prepare(sql string) (Stmt, error) {
	return &memStmt{conn: c, sql: strings.TrimSpace(sql)}, nil
}

func (c *memConn) IsLeader() bool { return atomic.LoadInt32(&c.isLeader) != 0 }

// SetLeader lets tests flip this connection's leadership status without
// going through the process-wide flag sqlite3Conn uses.
func (c *memConn) SetLeader(isLeader bool) {
	v := int32(0)
	if isLeader {
		v = 1
	}
	atomic.StoreInt32(&c.isLeader, v)
}

func (c *memConn) Close() error {
	if c.wal != nil {
		c.wal.Close()
	}
	if c.main != nil {
		return c.main.Close()
	}
	return nil
}

// beginTx snapshots every table's current row set so a later rollbackTx can
// undo whatever writes happen before the matching COMMIT/ROLLBACK.
func (c *memConn) beginTx() error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	snapshot := make(map[string]*memTable, len(c.db.tables))
	for name, t := range c.db.tables {
		snapshot[name] = t.clone()
	}
	c.txSnapshot = snapshot
	return nil
}

// commitTx makes the writes made since beginTx permanent: the snapshot
// is discarded and the resulting table state is published to the page
// store, if this connection has one.
func (c *memConn) commitTx() error {
	c.txSnapshot = nil
	return c.flush()
}

// rollbackTx restores c.db.tables to exactly the state captured at
// beginTx, discarding any table created or row written in between. The
// page store is untouched: nothing was published, so there is nothing to
// undo there.
func (c *memConn) rollbackTx() {
	if c.txSnapshot == nil {
		return
	}
	c.db.mu.Lock()
	c.db.tables = c.txSnapshot
	c.db.mu.Unlock()
	c.txSnapshot = nil
}

// autoCommit publishes a write that ran outside an explicit transaction.
func (c *memConn) autoCommit() error {
	if c.txSnapshot != nil {
		return nil
	}
	return c.flush()
}

// flush publishes the connection's current table state: it rebuilds the
// page image, appends a WAL frame for every page that changed since the
// last publish, and marks the final frame with the database size in
// pages. The WAL-index write lock (slot 0) is held across the append.
func (c *memConn) flush() error {
	if c.wal == nil {
		return nil
	}
	pages := c.pageImage(encodeTables(c.db))

	dirty := make([]int, 0, len(pages))
	for i, page := range pages {
		if i >= len(c.lastImage) || !bytes.Equal(page, c.lastImage[i]) {
			dirty = append(dirty, i)
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	if err := c.main.ShmLock(0, 1, true); err != nil {
		return err
	}
	for k, i := range dirty {
		var mark uint32
		if k == len(dirty)-1 {
			mark = uint32(len(pages))
		}
		if err := c.wal.AppendFrame(uint32(i+1), pages[i], mark); err != nil {
			c.main.ShmUnlock(0, 1, true)
			return err
		}
	}
	c.main.ShmUnlock(0, 1, true)

	c.lastImage = pages
	c.syncedFrames = c.wal.FrameCount()
	size, err := c.main.SizePages()
	if err != nil {
		return err
	}
	c.syncedMain = size
	return nil
}

// refresh reloads the table cache when the page store has advanced past
// what this connection last saw: another connection published a commit,
// a replicated transaction was applied locally, or a checkpoint moved
// frames into the main file.
func (c *memConn) refresh() error {
	if c.wal == nil {
		return nil
	}
	frames := c.wal.FrameCount()
	size, err := c.main.SizePages()
	if err != nil {
		return err
	}
	if frames == c.syncedFrames && size == c.syncedMain {
		return nil
	}

	pages := make(map[uint32][]byte)
	maxPage := size
	for i := 0; i < frames; i++ {
		pgno, page, _, err := c.wal.ReadFrame(i)
		if err != nil {
			return err
		}
		buf := make([]byte, len(page))
		copy(buf, page)
		pages[pgno] = buf
		if pgno > maxPage {
			maxPage = pgno
		}
	}
	for n := uint32(1); n <= size; n++ {
		if _, ok := pages[n]; ok {
			continue
		}
		buf := make([]byte, c.pageSize)
		if err := c.main.ReadPage(n, buf); err != nil {
			return err
		}
		pages[n] = buf
	}

	c.syncedFrames = frames
	c.syncedMain = size
	if maxPage == 0 {
		return nil
	}

	hdr := pages[1]
	if len(hdr) < 108 {
		return dqerr.New(dqerr.Corrupt, "page 1 is %d bytes, too short for a header", len(hdr))
	}
	payloadLen := binary.LittleEndian.Uint64(hdr[100:108])
	payload := make([]byte, 0, int(maxPage-1)*c.pageSize)
	for n := uint32(2); n <= maxPage; n++ {
		page := pages[n]
		if page == nil {
			page = make([]byte, c.pageSize)
		}
		payload = append(payload, page...)
	}
	if int(payloadLen) > len(payload) {
		return dqerr.New(dqerr.Corrupt, "payload length %d exceeds %d content bytes", payloadLen, len(payload))
	}
	tables, err := decodeTables(payload[:payloadLen])
	if err != nil {
		return err
	}

	c.db.mu.Lock()
	c.db.tables = tables
	c.db.mu.Unlock()

	img := make([][]byte, maxPage)
	for n := uint32(1); n <= maxPage; n++ {
		if page := pages[n]; page != nil {
			img[n-1] = page
		} else {
			img[n-1] = make([]byte, c.pageSize)
		}
	}
	c.lastImage = img
	return nil
}

// pageImage lays the serialized table payload out as 1-based pages: page
// 1 carries the standard 100-byte header (page size at bytes 16..17 and
// database size in pages at 28..31, both big-endian) plus the payload
// length, and the payload itself starts at page 2.
func (c *memConn) pageImage(payload []byte) [][]byte {
	contentPages := (len(payload) + c.pageSize - 1) / c.pageSize
	pages := make([][]byte, 1+contentPages)

	hdr := make([]byte, c.pageSize)
	enc := c.pageSize
	if enc == 65536 {
		enc = 1
	}
	hdr[16] = byte(enc >> 8)
	hdr[17] = byte(enc)
	binary.BigEndian.PutUint32(hdr[28:32], uint32(len(pages)))
	binary.LittleEndian.PutUint64(hdr[100:108], uint64(len(payload)))
	pages[0] = hdr

	for i := 0; i < contentPages; i++ {
		page := make([]byte, c.pageSize)
		copy(page, payload[i*c.pageSize:])
		pages[1+i] = page
	}
	return pages
}

// encodeTables serializes every table in sorted-name order, so identical
// table states always produce identical page images, using the same
// primitives the wire commands are built on.
func encodeTables(db *memDB) []byte {
	db.mu.Lock()
	defer db.mu.Unlock()

	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	e := serialize.NewEncoder()
	e.WriteUint32(uint32(len(names)))
	for _, name := range names {
		t := db.tables[name]
		e.WriteText(name)
		e.WriteUint8(uint8(len(t.columns)))
		for _, col := range t.columns {
			e.WriteText(col)
		}
		e.WriteUint32(uint32(len(t.rows)))
		for _, row := range t.rows {
			e.WriteBlob(serialize.EncodeTupleParams(row))
		}
	}
	return e.Bytes()
}

// decodeTables is the inverse of encodeTables.
func decodeTables(buf []byte) (map[string]*memTable, error) {
	cur := serialize.NewCursor(buf)
	n, err := cur.ReadUint32()
	if err != nil {
		return nil, err
	}
	tables := make(map[string]*memTable, n)
	for i := uint32(0); i < n; i++ {
		name, err := cur.ReadText()
		if err != nil {
			return nil, err
		}
		ncols, err := cur.ReadUint8()
		if err != nil {
			return nil, err
		}
		cols := make([]string, ncols)
		for j := range cols {
			if cols[j], err = cur.ReadText(); err != nil {
				return nil, err
			}
		}
		nrows, err := cur.ReadUint32()
		if err != nil {
			return nil, err
		}
		rows := make([][]serialize.Value, 0, nrows)
		for j := uint32(0); j < nrows; j++ {
			blob, err := cur.ReadBlob()
			if err != nil {
				return nil, err
			}
			dec, err := serialize.NewTupleDecoder(blob, serialize.ModeParams, 0)
			if err != nil {
				return nil, err
			}
			vals, err := dec.DecodeAll()
			if err != nil {
				return nil, err
			}
			rows = append(rows, vals)
		}
		tables[name] = &memTable{columns: cols, rows: rows}
	}
	return tables, nil
}

type memStmt struct {
	conn *memConn
	sql  string
	args []serialize.Value

	cols []string
	rows [][]serialize.Value
	pos  int

	lastInsertID int64
	rowsAffected int64
}

var _ Stmt = (*memStmt)(nil)

func (s *memStmt) Bind(values []serialize.Value) error {
	s.args = values
	return nil
}

func (s *memStmt) Step() (StepResult, error) {
	if s.cols == nil && s.rows == nil && s.pos == 0 {
		if err := s.execute(); err != nil {
			return StepError, err
		}
	}
	if s.pos >= len(s.rows) {
		return StepDone, nil
	}
	s.pos++
	return StepRow, nil
}

func (s *memStmt) Columns() []serialize.Value {
	if s.pos == 0 || s.pos > len(s.rows) {
		return nil
	}
	return s.rows[s.pos-1]
}

func (s *memStmt) ColumnNames() []string { return s.cols }

func (s *memStmt) LastInsertRowID() int64 { return s.lastInsertID }
func (s *memStmt) RowsAffected() int64    { return s.rowsAffected }
func (s *memStmt) Tail() string           { return "" }

func (s *memStmt) Reset() error {
	s.pos = 0
	s.cols = nil
	s.rows = nil
	return nil
}

func (s *memStmt) Finalize() error { return nil }

// execute parses and runs s.sql against the connection's database,
// populating s.cols/s.rows (SELECT) or s.rowsAffected/s.lastInsertID
// (INSERT/CREATE), on first Step. Outside an explicit transaction the
// connection first catches up with pages published since its last
// statement, and publishes its own write afterwards; inside one, both
// ends are deferred to COMMIT.
func (s *memStmt) execute() error {
	conn := s.conn
	if conn.txSnapshot == nil {
		if err := conn.refresh(); err != nil {
			return err
		}
	}

	sql := strings.TrimSpace(s.sql)
	upper := strings.ToUpper(sql)
	switch {
	case upper == "BEGIN" || strings.HasPrefix(upper, "BEGIN "):
		return conn.beginTx()
	case upper == "COMMIT":
		return conn.commitTx()
	case upper == "ROLLBACK":
		conn.rollbackTx()
		return nil
	case strings.HasPrefix(upper, "CREATE TABLE"):
		if err := s.execCreateTable(sql); err != nil {
			return err
		}
		return conn.autoCommit()
	case strings.HasPrefix(upper, "INSERT INTO"):
		if err := s.execInsert(sql); err != nil {
			return err
		}
		return conn.autoCommit()
	case strings.HasPrefix(upper, "SELECT"):
		return s.execSelect(sql)
	default:
		return dqerr.New(dqerr.Parse, "unsupported statement: %s", sql)
	}
}

func (s *memStmt) execCreateTable(sql string) error {
	open := strings.IndexByte(sql, '(')
	close := strings.LastIndexByte(sql, ')')
	if open < 0 || close < open {
		return dqerr.New(dqerr.Parse, "malformed CREATE TABLE: %s", sql)
	}
	header := strings.Fields(sql[:open])
	if len(header) < 3 {
		return dqerr.New(dqerr.Parse, "malformed CREATE TABLE: %s", sql)
	}
	name := header[2]

	var columns []string
	for _, col := range strings.Split(sql[open+1:close], ",") {
		fields := strings.Fields(strings.TrimSpace(col))
		if len(fields) == 0 {
			continue
		}
		columns = append(columns, fields[0])
	}

	db := s.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[name]; ok {
		return dqerr.New(dqerr.Constraint, "table %q already exists", name)
	}
	db.tables[name] = &memTable{columns: columns}
	return nil
}

func (s *memStmt) execInsert(sql string) error {
	rest := strings.TrimSpace(sql[len("INSERT INTO"):])
	fields := strings.SplitN(rest, "(", 2)
	name := strings.TrimSpace(strings.Fields(fields[0])[0])

	valuesIdx := strings.Index(strings.ToUpper(sql), "VALUES")
	if valuesIdx < 0 {
		return dqerr.New(dqerr.Parse, "malformed INSERT: %s", sql)
	}
	open := strings.IndexByte(sql[valuesIdx:], '(')
	close := strings.LastIndexByte(sql, ')')
	if open < 0 || close < 0 {
		return dqerr.New(dqerr.Parse, "malformed INSERT: %s", sql)
	}
	open += valuesIdx
	placeholders := strings.Split(sql[open+1:close], ",")

	db := s.conn.db
	db.mu.Lock()
	defer db.mu.Unlock()
	table, ok := db.tables[name]
	if !ok {
		return dqerr.New(dqerr.NotFound, "no such table %q", name)
	}

	row := make([]serialize.Value, len(placeholders))
	for i, p := range placeholders {
		p = strings.TrimSpace(p)
		if p == "?" {
			if i < len(s.args) {
				row[i] = s.args[i]
			}
			continue
		}
		v, err := parseLiteral(p)
		if err != nil {
			return err
		}
		row[i] = v
	}

	table.rows = append(table.rows, row)
	s.rowsAffected = 1
	s.lastInsertID = int64(len(table.rows))
	return nil
}

func parseLiteral(s string) (serialize.Value, error) {
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") {
		return serialize.Value{Type: serialize.TypeText, Text: s[1 : len(s)-1]}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return serialize.Value{Type: serialize.TypeInteger, Integer: n}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return serialize.Value{Type: serialize.TypeFloat, Float: f}, nil
	}
	return serialize.Value{}, dqerr.New(dqerr.Parse, "unrecognized literal %q", s)
}

func (s *memStmt) execSelect(sql string) error {
	upper := strings.ToUpper(sql)
	fromIdx := strings.Index(upper, "FROM")
	if fromIdx < 0 {
		return dqerr.New(dqerr.Parse, "malformed SELECT: %s", sql)
	}
	selectList := strings.TrimSpace(sql[len("SELECT"):fromIdx])
	rest := strings.TrimSpace(sql[fromIdx+len("FROM"):])

	whereIdx := strings.Index(strings.ToUpper(rest), "WHERE")
	var tableName, where string
	if whereIdx >= 0 {
		tableName = strings.TrimSpace(rest[:whereIdx])
		where = strings.TrimSpace(rest[whereIdx+len("WHERE"):])
	} else {
		tableName = strings.TrimSpace(rest)
	}

	db := s.conn.db
	db.mu.Lock()
	table, ok := db.tables[tableName]
	if !ok {
		db.mu.Unlock()
		return dqerr.New(dqerr.NotFound, "no such table %q", tableName)
	}
	rows := make([][]serialize.Value, len(table.rows))
	copy(rows, table.rows)
	columns := table.columns
	db.mu.Unlock()

	if where != "" {
		rows = filterWhere(rows, columns, where)
	}

	upperSelect := strings.ToUpper(selectList)
	switch {
	case strings.HasPrefix(upperSelect, "COUNT("):
		s.cols = []string{"COUNT(*)"}
		s.rows = [][]serialize.Value{{{Type: serialize.TypeInteger, Integer: int64(len(rows))}}}
		return nil
	case strings.HasPrefix(upperSelect, "MAX("):
		inner := selectList[strings.Index(selectList, "(")+1:]
		col := strings.TrimSuffix(inner, ")")
		idx := columnIndex(columns, strings.TrimSpace(col))
		var max *serialize.Value
		for _, row := range rows {
			if idx < 0 || idx >= len(row) {
				continue
			}
			v := row[idx]
			if max == nil || v.Integer > max.Integer || v.Float > max.Float {
				copied := v
				max = &copied
			}
		}
		s.cols = []string{selectList}
		if max == nil {
			s.rows = [][]serialize.Value{{{Type: serialize.TypeNull}}}
		} else {
			s.rows = [][]serialize.Value{{*max}}
		}
		return nil
	}

	if selectList == "*" {
		s.cols = columns
		s.rows = rows
		return nil
	}

	names := strings.Split(selectList, ",")
	idxs := make([]int, len(names))
	s.cols = make([]string, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		idxs[i] = columnIndex(columns, n)
		s.cols[i] = n
	}
	projected := make([][]serialize.Value, len(rows))
	for i, row := range rows {
		out := make([]serialize.Value, len(idxs))
		for j, idx := range idxs {
			if idx >= 0 && idx < len(row) {
				out[j] = row[idx]
			}
		}
		projected[i] = out
	}
	s.rows = projected
	return nil
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// filterWhere supports a single "col = literal" predicate, which is all
// the statements driven through this engine need.
func filterWhere(rows [][]serialize.Value, columns []string, where string) [][]serialize.Value {
	parts := strings.SplitN(where, "=", 2)
	if len(parts) != 2 {
		return rows
	}
	idx := columnIndex(columns, strings.TrimSpace(parts[0]))
	if idx < 0 {
		return rows
	}
	want, err := parseLiteral(strings.TrimSpace(parts[1]))
	if err != nil {
		return rows
	}

	var out [][]serialize.Value
	for _, row := range rows {
		if idx < len(row) && valuesEqual(row[idx], want) {
			out = append(out, row)
		}
	}
	return out
}

func valuesEqual(a, b serialize.Value) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case serialize.TypeInteger, serialize.TypeBoolean, serialize.TypeUnixtime:
		return a.Integer == b.Integer
	case serialize.TypeFloat:
		return a.Float == b.Float
	case serialize.TypeText, serialize.TypeISO8601:
		return a.Text == b.Text
	default:
		return false
	}
}
