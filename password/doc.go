// Package password hashes credentials with Argon2id and checks new passwords
// against a strength [Policy].
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification reads cost parameters from the stored hash, so raising the
// configured cost never invalidates existing users.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other credguard package.
//   - Log plaintext passwords.
package password
