// Copyright 2026 The OpenAuth Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import "fmt"

// allowedTables is the closed set of identifiers that may appear in SQL
// text. Values are bound as parameters; identifiers cannot be, so anything
// that lands in query text as a table name must pass through tableName.
var allowedTables = map[string]bool{
	"browser_sessions":      true,
	"account_sessions":      true,
	"oauth_clients":         true,
	"users":                 true,
	"rbac_roles":            true,
	"rbac_permissions":      true,
	"rbac_user_roles":       true,
	"rbac_role_permissions": true,
	"token_usage":           true,
	"jwt_keys":              true,
}

// tableName validates an identifier against the allow-list.
func tableName(name string) (string, error) {
	if !allowedTables[name] {
		return "", fmt.Errorf("table %q is not in the schema allow-list", name)
	}
	return name, nil
}

// mustTable is tableName for identifiers fixed at compile time; an unknown
// name is a programming error, caught at repository construction.
func mustTable(name string) string {
	t, err := tableName(name)
	if err != nil {
		panic(err)
	}
	return t
}
