package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"urbachamp/api/internal/scope"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const contributionColumns = `id, project_name, category, ville, official_url, meta, description,
	geojson_url, cover_url, markdown_url, approved, created_by, created_at`

func scanContribution(row interface{ Scan(...any) error }) (Contribution, error) {
	var c Contribution
	err := row.Scan(&c.ID, &c.ProjectName, &c.Category, &c.City, &c.OfficialURL, &c.Meta,
		&c.Description, &c.GeoJSONURL, &c.CoverURL, &c.MarkdownURL, &c.Approved, &c.OwnerID, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) CreateContribution(ctx context.Context, c Contribution) (Contribution, error) {
	query := `
		INSERT INTO contributions (id, project_name, category, ville, official_url, meta, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + contributionColumns
	row := s.db.QueryRowContext(ctx, query,
		c.ID, c.ProjectName, c.Category, c.City, c.OfficialURL, c.Meta, c.Description, c.OwnerID)
	created, err := scanContribution(row)
	if err != nil {
		return Contribution{}, fmt.Errorf("insert contribution: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetContribution(ctx context.Context, id string) (Contribution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id=$1`, id)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contribution{}, ErrNotFound
	}
	if err != nil {
		return Contribution{}, fmt.Errorf("get contribution: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateContribution(ctx context.Context, id string, patch ContributionPatch) (Contribution, error) {
	query := `
		UPDATE contributions
		SET project_name=$2, category=$3, official_url=$4, meta=$5, description=$6,
			ville=COALESCE($7, ville)
		WHERE id=$1
		RETURNING ` + contributionColumns
	row := s.db.QueryRowContext(ctx, query,
		id, patch.ProjectName, patch.Category, patch.OfficialURL, patch.Meta, patch.Description, patch.City)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contribution{}, ErrNotFound
	}
	if err != nil {
		return Contribution{}, fmt.Errorf("update contribution: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateAssetURLs(ctx context.Context, id string, urls AssetURLs) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contributions
		SET geojson_url=COALESCE($2, geojson_url),
			cover_url=COALESCE($3, cover_url),
			markdown_url=COALESCE($4, markdown_url)
		WHERE id=$1
	`, id, urls.GeoJSON, urls.Cover, urls.Markdown)
	if err != nil {
		return fmt.Errorf("update asset urls: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetContributionApproved(ctx context.Context, id string, approved bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contributions SET approved=$2 WHERE id=$1`, id, approved)
	if err != nil {
		return fmt.Errorf("set approved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteContribution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contributions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete contribution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var sortColumns = map[string]string{
	"created_at":   "created_at",
	"project_name": "project_name",
	"category":     "category",
}

// listContributionsSQL renders a ListQuery into a SQL statement and its
// positional args. Visibility comes first so the caller's filters can only
// narrow what a locked viewer is allowed to see; the trailing id tie-break
// keeps paging stable across identical sort keys.
func listContributionsSQL(q ListQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Vis.Locked {
		switch {
		case !q.Vis.ApprovedInScope:
			conds = append(conds, "created_by="+arg(q.ViewerID))
		case q.Vis.Cities != nil:
			conds = append(conds, fmt.Sprintf(
				"(created_by=%s OR (approved AND ville = ANY(%s)))",
				arg(q.ViewerID), arg(q.Vis.Cities)))
		default:
			conds = append(conds, fmt.Sprintf("(created_by=%s OR approved)", arg(q.ViewerID)))
		}
	} else if q.Vis.Cities != nil {
		conds = append(conds, fmt.Sprintf("ville = ANY(%s)", arg(q.Vis.Cities)))
	}
	if q.MineOnly {
		conds = append(conds, "created_by="+arg(q.ViewerID))
	}
	if q.Category != "" {
		conds = append(conds, "category="+arg(q.Category))
	}
	if q.City != "" {
		conds = append(conds, "ville="+arg(q.City))
	}
	if q.Search != "" {
		p := arg("%" + q.Search + "%")
		conds = append(conds, fmt.Sprintf("(project_name ILIKE %s OR description ILIKE %s)", p, p))
	}

	query := `SELECT ` + contributionColumns + ` FROM contributions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(q.SortDir, "asc") {
		dir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, id ASC", col, dir)

	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	query += fmt.Sprintf(" LIMIT %s OFFSET %s", arg(pageSize), arg((page-1)*pageSize))
	return query, args
}

// ListContributions applies the caller's filters on top of the visibility
// rules baked into the query. Results are page-sized; a short page means the
// listing is exhausted.
func (s *PostgresStore) ListContributions(ctx context.Context, q ListQuery) ([]Contribution, error) {
	query, args := listContributionsSQL(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var out []Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (scope.Profile, error) {
	var (
		role  string
		ville string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(role, ''), COALESCE(ville, '') FROM profiles WHERE user_id=$1`, userID).
		Scan(&role, &ville)
	if errors.Is(err, sql.ErrNoRows) {
		return scope.Profile{}, scope.ErrNoProfile
	}
	if err != nil {
		return scope.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return scope.Profile{Role: scope.Normalize(role), Cities: scope.ParseCities(ville)}, nil
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, userID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, email)
	if err != nil {
		return fmt.Errorf("ensure profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetUserRole(ctx context.Context, userID, role, ville string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET role=$2, ville=$3 WHERE user_id=$1`, userID, role, ville)
	if err != nil {
		return fmt.Errorf("set user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, email, COALESCE(role, ''), COALESCE(ville, ''), created_at
		FROM profiles ORDER BY created_at DESC, user_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []UserProfile
	for rows.Next() {
		var u UserProfile
		if err := rows.Scan(&u.UserID, &u.Email, &u.Role, &u.Ville, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListCategories(ctx context.Context, city string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ville, name, icon, position
		FROM categories WHERE ville=$1 ORDER BY position ASC, name ASC
	`, city)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.City, &c.Name, &c.Icon, &c.Position); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetBranding(ctx context.Context, city string) (Branding, error) {
	var b Branding
	err := s.db.QueryRowContext(ctx, `
		SELECT ville, display_name, primary_color, logo_url FROM branding WHERE ville=$1
	`, city).Scan(&b.City, &b.DisplayName, &b.PrimaryColor, &b.LogoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return Branding{}, ErrNotFound
	}
	if err != nil {
		return Branding{}, fmt.Errorf("get branding: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpsertBranding(ctx context.Context, b Branding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branding (ville, display_name, primary_color, logo_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ville) DO UPDATE
		SET display_name=EXCLUDED.display_name,
			primary_color=EXCLUDED.primary_color,
			logo_url=EXCLUDED.logo_url
	`, b.City, b.DisplayName, b.PrimaryColor, b.LogoURL)
	if err != nil {
		return fmt.Errorf("upsert branding: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDossiers(ctx context.Context, dossiers []Dossier) error {
	if len(dossiers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dossiers tx: %w", err)
	}
	for _, d := range dossiers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dossiers (id, project_name, category, title, pdf_url)
			VALUES ($1, $2, $3, $4, $5)
		`, d.ID, d.ProjectName, d.Category, d.Title, d.PDFURL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert dossier: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dossiers: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDossiersByProject(ctx context.Context, projectName string) ([]Dossier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_name, category, title, pdf_url, created_at
		FROM dossiers WHERE project_name=$1 ORDER BY created_at ASC, id ASC
	`, projectName)
	if err != nil {
		return nil, fmt.Errorf("list dossiers: %w", err)
	}
	defer rows.Close()

	var out []Dossier
	for rows.Next() {
		var d Dossier
		if err := rows.Scan(&d.ID, &d.ProjectName, &d.Category, &d.Title, &d.PDFURL, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dossier: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDossier(ctx context.Context, id string) (Dossier, error) {
	var d Dossier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_name, category, title, pdf_url, created_at FROM dossiers WHERE id=$1
	`, id).Scan(&d.ID, &d.ProjectName, &d.Category, &d.Title, &d.PDFURL, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Dossier{}, ErrNotFound
	}
	if err != nil {
		return Dossier{}, fmt.Errorf("get dossier: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) UpdateDossierTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dossiers SET title=$2 WHERE id=$1`, id, title)
	if err != nil {
		return fmt.Errorf("rename dossier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDossier(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dossiers WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete dossier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
