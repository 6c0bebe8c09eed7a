package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ccheshirecat/fleet/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Computes() db.ComputeRepository { return &computeRepository{exec: q.exec} }
func (q *queries) Containers() db.ContainerRepository { return &containerRepository{exec: q.exec} }
func (q *queries) Templates() db.TemplateRepository { return &templateRepository{exec: q.exec} }
func (q *queries) Consoles() db.ConsoleRepository { return &consoleRepository{exec: q.exec} }
func (q *queries) Interfaces() db.InterfaceRepository { return &interfaceRepository{exec: q.exec} }
func (q *queries) Routes() db.RouteRepository { return &routeRepository{exec: q.exec} }
func (q *queries) PingResults() db.PingResultRepository { return &pingRepository{exec: q.exec} }
func (q *queries) MetricStreams() db.MetricStreamRepository { return &streamRepository{exec: q.exec} }

const computeColumns = `id, name, hostname, container_id, manageable, state, effective_state, lifecycle, deploying,
    template, ipv4_address, nameservers, autostart, root_password, memory, num_cores, swap_size, cpu_limit,
    cpu_info, kernel, os_release, architecture, diskspace, diskspace_usage, uptime, last_ping, suspicious,
    failure, created_at, updated_at`

type computeRepository struct {
	exec executor
}

var _ db.ComputeRepository = (*computeRepository)(nil)

func (r *computeRepository) Create(ctx context.Context, c *db.Compute) error {
	if c.ID == "" {
		return fmt.Errorf("insert compute: id is required")
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	args := append([]any{c.ID}, computeValues(c)...)
	args = append(args, now, now)
	_, err := r.exec.ExecContext(ctx, `INSERT INTO computes (`+computeColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`, args...)
	if err != nil {
		return fmt.Errorf("insert compute: %w", err)
	}
	return nil
}

func (r *computeRepository) Get(ctx context.Context, id string) (*db.Compute, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+computeColumns+` FROM computes WHERE id = ?;`, id)
	return scanOptionalCompute(row)
}

func (r *computeRepository) GetHostByName(ctx context.Context, name string) (*db.Compute, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+computeColumns+` FROM computes WHERE container_id IS NULL AND (name = ? OR hostname = ?) ORDER BY name = ? DESC LIMIT 1;`, name, name, name)
	return scanOptionalCompute(row)
}

func (r *computeRepository) ListHosts(ctx context.Context) ([]db.Compute, error) {
	return r.list(ctx, `SELECT `+computeColumns+` FROM computes WHERE container_id IS NULL ORDER BY name ASC, id ASC;`)
}

func (r *computeRepository) ListByContainer(ctx context.Context, containerID string) ([]db.Compute, error) {
	return r.list(ctx, `SELECT `+computeColumns+` FROM computes WHERE container_id = ? ORDER BY name ASC, id ASC;`, containerID)
}

func (r *computeRepository) list(ctx context.Context, query string, args ...any) ([]db.Compute, error) {
	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query computes: %w", err)
	}
	defer rows.Close()

	var result []db.Compute
	for rows.Next() {
		c, err := scanCompute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate computes: %w", err)
	}
	return result, nil
}

func (r *computeRepository) Update(ctx context.Context, c *db.Compute) error {
	c.UpdatedAt = time.Now().UTC()
	args := append(computeValues(c), c.UpdatedAt, c.ID)
	res, err := r.exec.ExecContext(ctx, `UPDATE computes SET name = ?, hostname = ?, container_id = ?, manageable = ?,
        state = ?, effective_state = ?, lifecycle = ?, deploying = ?, template = ?, ipv4_address = ?, nameservers = ?,
        autostart = ?, root_password = ?, memory = ?, num_cores = ?, swap_size = ?, cpu_limit = ?, cpu_info = ?,
        kernel = ?, os_release = ?, architecture = ?, diskspace = ?, diskspace_usage = ?, uptime = ?, last_ping = ?,
        suspicious = ?, failure = ?, updated_at = ? WHERE id = ?;`, args...)
	if err != nil {
		return fmt.Errorf("update compute: %w", err)
	}
	return requireRow(res, "update compute", c.ID)
}

func (r *computeRepository) UpdateLifecycle(ctx context.Context, id string, lifecycle db.Lifecycle, deploying bool) error {
	res, err := r.exec.ExecContext(ctx, `UPDATE computes SET lifecycle = ?, deploying = ?, updated_at = ? WHERE id = ?;`,
		string(lifecycle), boolToInt(deploying), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update compute lifecycle: %w", err)
	}
	return requireRow(res, "update compute lifecycle", id)
}

func (r *computeRepository) SetContainer(ctx context.Context, id, containerID string) error {
	res, err := r.exec.ExecContext(ctx, `UPDATE computes SET container_id = ?, updated_at = ? WHERE id = ?;`,
		nullableString(containerID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("move compute: %w", err)
	}
	return requireRow(res, "move compute", id)
}

func (r *computeRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM computes WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete compute: %w", err)
	}
	return nil
}

// computeValues returns the column values after id and before the timestamps.
func computeValues(c *db.Compute) []any {
	var rootPassword any
	if c.RootPassword != nil {
		rootPassword = *c.RootPassword
	}
	var uptime any
	if c.Uptime != nil {
		uptime = *c.Uptime
	}
	return []any{
		c.Name,
		c.Hostname,
		nullableString(c.ContainerID),
		boolToInt(c.Manageable),
		c.State,
		c.EffectiveState,
		string(c.Lifecycle),
		boolToInt(c.Deploying),
		c.Template,
		c.IPv4Address,
		encodeJSON(c.Nameservers, "[]"),
		boolToInt(c.Autostart),
		rootPassword,
		c.Memory,
		c.NumCores,
		c.SwapSize,
		c.CPULimit,
		c.CPUInfo,
		c.Kernel,
		c.OSRelease,
		encodeJSON(c.Architecture, "[]"),
		encodeJSON(c.Diskspace, "{}"),
		encodeJSON(c.DiskspaceUsage, "{}"),
		uptime,
		boolToInt(c.LastPing),
		boolToInt(c.Suspicious),
		boolToInt(c.Failure),
	}
}

func scanOptionalCompute(row rowScanner) (*db.Compute, error) {
	c, err := scanCompute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func scanCompute(row rowScanner) (db.Compute, error) {
	var (
		c            db.Compute
		containerID  sql.NullString
		manageable   int64
		lifecycle    string
		deploying    int64
		nameservers  string
		autostart    int64
		rootPassword sql.NullString
		architecture string
		diskspace    string
		diskUsage    string
		uptime       sql.NullFloat64
		lastPing     int64
		suspicious   int64
		failure      int64
		createdRaw   any
		updatedRaw   any
	)

	if err := row.Scan(
		&c.ID, &c.Name, &c.Hostname, &containerID, &manageable, &c.State, &c.EffectiveState, &lifecycle, &deploying,
		&c.Template, &c.IPv4Address, &nameservers, &autostart, &rootPassword, &c.Memory, &c.NumCores, &c.SwapSize,
		&c.CPULimit, &c.CPUInfo, &c.Kernel, &c.OSRelease, &architecture, &diskspace, &diskUsage, &uptime, &lastPing,
		&suspicious, &failure, &createdRaw, &updatedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Compute{}, err
		}
		return db.Compute{}, fmt.Errorf("scan compute: %w", err)
	}

	c.ContainerID = containerID.String
	c.Manageable = manageable != 0
	c.Lifecycle = db.Lifecycle(lifecycle)
	c.Deploying = deploying != 0
	c.Autostart = autostart != 0
	c.LastPing = lastPing != 0
	c.Suspicious = suspicious != 0
	c.Failure = failure != 0
	if rootPassword.Valid {
		value := rootPassword.String
		c.RootPassword = &value
	}
	if uptime.Valid {
		value := uptime.Float64
		c.Uptime = &value
	}
	if err := decodeJSON(nameservers, &c.Nameservers); err != nil {
		return db.Compute{}, fmt.Errorf("decode nameservers: %w", err)
	}
	if err := decodeJSON(architecture, &c.Architecture); err != nil {
		return db.Compute{}, fmt.Errorf("decode architecture: %w", err)
	}
	if err := decodeJSON(diskspace, &c.Diskspace); err != nil {
		return db.Compute{}, fmt.Errorf("decode diskspace: %w", err)
	}
	if err := decodeJSON(diskUsage, &c.DiskspaceUsage); err != nil {
		return db.Compute{}, fmt.Errorf("decode diskspace usage: %w", err)
	}

	var err error
	if c.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Compute{}, fmt.Errorf("parse compute created_at: %w", err)
	}
	if c.UpdatedAt, err = coerceTime(updatedRaw); err != nil {
		return db.Compute{}, fmt.Errorf("parse compute updated_at: %w", err)
	}
	return c, nil
}

type containerRepository struct {
	exec executor
}

var _ db.ContainerRepository = (*containerRepository)(nil)

func (r *containerRepository) Create(ctx context.Context, c *db.Container) error {
	if c.ID == "" {
		return fmt.Errorf("insert container: id is required")
	}
	c.CreatedAt = time.Now().UTC()
	if _, err := r.exec.ExecContext(ctx, `INSERT INTO containers (id, compute_id, backend, created_at) VALUES (?, ?, ?, ?);`,
		c.ID, c.ComputeID, c.Backend, c.CreatedAt); err != nil {
		return fmt.Errorf("insert container: %w", err)
	}
	return nil
}

func (r *containerRepository) Get(ctx context.Context, id string) (*db.Container, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT id, compute_id, backend, created_at FROM containers WHERE id = ?;`, id)
	return scanOptionalContainer(row)
}

func (r *containerRepository) FindByBackend(ctx context.Context, computeID, backend string) (*db.Container, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT id, compute_id, backend, created_at FROM containers WHERE compute_id = ? AND backend = ?;`, computeID, backend)
	return scanOptionalContainer(row)
}

// ListByCompute returns containers oldest first; the first entry is the
// host's primary container.
func (r *containerRepository) ListByCompute(ctx context.Context, computeID string) ([]db.Container, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT id, compute_id, backend, created_at FROM containers WHERE compute_id = ? ORDER BY created_at ASC, rowid ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query containers: %w", err)
	}
	defer rows.Close()

	var result []db.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate containers: %w", err)
	}
	return result, nil
}

func scanOptionalContainer(row rowScanner) (*db.Container, error) {
	c, err := scanContainer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func scanContainer(row rowScanner) (db.Container, error) {
	var (
		c       db.Container
		created any
	)
	if err := row.Scan(&c.ID, &c.ComputeID, &c.Backend, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Container{}, err
		}
		return db.Container{}, fmt.Errorf("scan container: %w", err)
	}
	ts, err := coerceTime(created)
	if err != nil {
		return db.Container{}, fmt.Errorf("parse container created_at: %w", err)
	}
	c.CreatedAt = ts
	return c, nil
}

type templateRepository struct {
	exec executor
}

var _ db.TemplateRepository = (*templateRepository)(nil)

func (r *templateRepository) List(ctx context.Context, computeID string) ([]db.Template, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT compute_id, name, domain_type, cores, memory, swap, disk, cpu_limit, nameserver, password, ip
        FROM templates WHERE compute_id = ? ORDER BY name ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var result []db.Template
	for rows.Next() {
		var (
			t                                db.Template
			cores, memory, swap, disk, limit string
		)
		if err := rows.Scan(&t.ComputeID, &t.Name, &t.DomainType, &cores, &memory, &swap, &disk, &limit, &t.Nameserver, &t.Password, &t.IP); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		for _, field := range []struct {
			raw string
			dst any
		}{{cores, &t.Cores}, {memory, &t.Memory}, {swap, &t.Swap}, {disk, &t.Disk}, {limit, &t.CPULimit}} {
			if err := decodeJSON(field.raw, field.dst); err != nil {
				return nil, fmt.Errorf("decode template %s: %w", t.Name, err)
			}
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return result, nil
}

func (r *templateRepository) Upsert(ctx context.Context, t db.Template) error {
	_, err := r.exec.ExecContext(ctx, `INSERT INTO templates (compute_id, name, domain_type, cores, memory, swap, disk, cpu_limit, nameserver, password, ip)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(compute_id, name) DO UPDATE SET domain_type = excluded.domain_type, cores = excluded.cores,
            memory = excluded.memory, swap = excluded.swap, disk = excluded.disk, cpu_limit = excluded.cpu_limit,
            nameserver = excluded.nameserver, password = excluded.password, ip = excluded.ip;`,
		t.ComputeID, t.Name, t.DomainType,
		encodeJSON(t.Cores, "{}"), encodeJSON(t.Memory, "{}"), encodeJSON(t.Swap, "{}"),
		encodeJSON(t.Disk, "{}"), encodeJSON(t.CPULimit, "{}"),
		t.Nameserver, t.Password, t.IP,
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

func (r *templateRepository) Delete(ctx context.Context, computeID, name string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM templates WHERE compute_id = ? AND name = ?;`, computeID, name); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}

type consoleRepository struct {
	exec executor
}

var _ db.ConsoleRepository = (*consoleRepository)(nil)

const consoleColumns = `compute_id, name, type, username, hostname, port, pty, cid, target`

func (r *consoleRepository) List(ctx context.Context, computeID string) ([]db.Console, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+consoleColumns+` FROM consoles WHERE compute_id = ? ORDER BY name ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query consoles: %w", err)
	}
	defer rows.Close()

	var result []db.Console
	for rows.Next() {
		c, err := scanConsole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consoles: %w", err)
	}
	return result, nil
}

func (r *consoleRepository) Get(ctx context.Context, computeID, name string) (*db.Console, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+consoleColumns+` FROM consoles WHERE compute_id = ? AND name = ?;`, computeID, name)
	c, err := scanConsole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *consoleRepository) Upsert(ctx context.Context, c db.Console) error {
	_, err := r.exec.ExecContext(ctx, `INSERT INTO consoles (`+consoleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(compute_id, name) DO UPDATE SET type = excluded.type, username = excluded.username,
            hostname = excluded.hostname, port = excluded.port, pty = excluded.pty, cid = excluded.cid, target = excluded.target;`,
		c.ComputeID, c.Name, string(c.Type), c.Username, c.Hostname, c.Port, c.PTY, c.CID, c.Target)
	if err != nil {
		return fmt.Errorf("upsert console: %w", err)
	}
	return nil
}

func scanConsole(row rowScanner) (db.Console, error) {
	var (
		c    db.Console
		kind string
	)
	if err := row.Scan(&c.ComputeID, &c.Name, &kind, &c.Username, &c.Hostname, &c.Port, &c.PTY, &c.CID, &c.Target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Console{}, err
		}
		return db.Console{}, fmt.Errorf("scan console: %w", err)
	}
	c.Type = db.ConsoleType(kind)
	return c, nil
}

type interfaceRepository struct {
	exec executor
}

var _ db.InterfaceRepository = (*interfaceRepository)(nil)

func (r *interfaceRepository) List(ctx context.Context, computeID string) ([]db.Interface, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT compute_id, name, mac, state, ipv4_address FROM interfaces WHERE compute_id = ? ORDER BY name ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query interfaces: %w", err)
	}
	defer rows.Close()

	var result []db.Interface
	for rows.Next() {
		var i db.Interface
		if err := rows.Scan(&i.ComputeID, &i.Name, &i.MAC, &i.State, &i.IPv4Address); err != nil {
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		result = append(result, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interfaces: %w", err)
	}
	return result, nil
}

func (r *interfaceRepository) Get(ctx context.Context, computeID, name string) (*db.Interface, error) {
	var i db.Interface
	err := r.exec.QueryRowContext(ctx, `SELECT compute_id, name, mac, state, ipv4_address FROM interfaces WHERE compute_id = ? AND name = ?;`, computeID, name).
		Scan(&i.ComputeID, &i.Name, &i.MAC, &i.State, &i.IPv4Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get interface: %w", err)
	}
	return &i, nil
}

func (r *interfaceRepository) Upsert(ctx context.Context, i db.Interface) error {
	_, err := r.exec.ExecContext(ctx, `INSERT INTO interfaces (compute_id, name, mac, state, ipv4_address) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(compute_id, name) DO UPDATE SET mac = excluded.mac, state = excluded.state, ipv4_address = excluded.ipv4_address;`,
		i.ComputeID, i.Name, i.MAC, i.State, i.IPv4Address)
	if err != nil {
		return fmt.Errorf("upsert interface: %w", err)
	}
	return nil
}

type routeRepository struct {
	exec executor
}

var _ db.RouteRepository = (*routeRepository)(nil)

const routeColumns = `compute_id, name, destination, gateway, flags, metrics, interface`

func (r *routeRepository) List(ctx context.Context, computeID string) ([]db.Route, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE compute_id = ? ORDER BY name ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var result []db.Route
	for rows.Next() {
		var rt db.Route
		if err := rows.Scan(&rt.ComputeID, &rt.Name, &rt.Destination, &rt.Gateway, &rt.Flags, &rt.Metrics, &rt.Interface); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		result = append(result, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routes: %w", err)
	}
	return result, nil
}

func (r *routeRepository) Get(ctx context.Context, computeID, name string) (*db.Route, error) {
	var rt db.Route
	err := r.exec.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE compute_id = ? AND name = ?;`, computeID, name).
		Scan(&rt.ComputeID, &rt.Name, &rt.Destination, &rt.Gateway, &rt.Flags, &rt.Metrics, &rt.Interface)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get route: %w", err)
	}
	return &rt, nil
}

func (r *routeRepository) Upsert(ctx context.Context, rt db.Route) error {
	_, err := r.exec.ExecContext(ctx, `INSERT INTO routes (`+routeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(compute_id, name) DO UPDATE SET destination = excluded.destination, gateway = excluded.gateway,
            flags = excluded.flags, metrics = excluded.metrics, interface = excluded.interface;`,
		rt.ComputeID, rt.Name, rt.Destination, rt.Gateway, rt.Flags, rt.Metrics, rt.Interface)
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

type pingRepository struct {
	exec executor
}

var _ db.PingResultRepository = (*pingRepository)(nil)

func (r *pingRepository) Append(ctx context.Context, computeID string, p db.PingResult) error {
	if _, err := r.exec.ExecContext(ctx, `INSERT INTO ping_results (compute_id, checked_at, ok) VALUES (?, ?, ?);`,
		computeID, p.CheckedAt.UTC(), boolToInt(p.OK)); err != nil {
		return fmt.Errorf("insert ping result: %w", err)
	}
	return nil
}

func (r *pingRepository) Recent(ctx context.Context, computeID string, limit int) ([]db.PingResult, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT checked_at, ok FROM ping_results WHERE compute_id = ? ORDER BY id DESC LIMIT ?;`, computeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ping results: %w", err)
	}
	defer rows.Close()

	var result []db.PingResult
	for rows.Next() {
		var (
			p       db.PingResult
			checked any
			ok      int64
		)
		if err := rows.Scan(&checked, &ok); err != nil {
			return nil, fmt.Errorf("scan ping result: %w", err)
		}
		if p.CheckedAt, err = coerceTime(checked); err != nil {
			return nil, fmt.Errorf("parse ping checked_at: %w", err)
		}
		p.OK = ok != 0
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ping results: %w", err)
	}
	return result, nil
}

func (r *pingRepository) Trim(ctx context.Context, computeID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := r.exec.ExecContext(ctx, `DELETE FROM ping_results WHERE compute_id = ? AND id NOT IN (
        SELECT id FROM ping_results WHERE compute_id = ? ORDER BY id DESC LIMIT ?);`, computeID, computeID, keep)
	if err != nil {
		return fmt.Errorf("trim ping results: %w", err)
	}
	return nil
}

type streamRepository struct {
	exec executor
}

var _ db.MetricStreamRepository = (*streamRepository)(nil)

func (r *streamRepository) Ensure(ctx context.Context, computeID string, names []string) error {
	for _, name := range names {
		if _, err := r.exec.ExecContext(ctx, `INSERT OR IGNORE INTO metric_streams (compute_id, name, created_at) VALUES (?, ?, ?);`,
			computeID, name, time.Now().UTC()); err != nil {
			return fmt.Errorf("ensure metric stream %s: %w", name, err)
		}
	}
	return nil
}

func (r *streamRepository) List(ctx context.Context, computeID string) ([]string, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT name FROM metric_streams WHERE compute_id = ? ORDER BY name ASC;`, computeID)
	if err != nil {
		return nil, fmt.Errorf("query metric streams: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan metric stream: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric streams: %w", err)
	}
	return names, nil
}

func requireRow(res sql.Result, op, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", op, id, db.ErrNotFound)
	}
	return nil
}

func encodeJSON(v any, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func decodeJSON(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimestamp(v)
	case []byte:
		return parseTimestamp(string(v))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format: %q", s)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
