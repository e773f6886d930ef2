/*
Command relayq is an outgoing mail queue, delivering messages to remote SMTP
servers directly or through relays.

Messages are stored in a queue directory, as a message file and an envelope
file. Delivery attempts are made by a pool of workers, with retries at
increasing intervals. Senders get delivery status notifications for recipients
that failed permanently, or that are delayed for long. Messages that cannot be
handled end up in an error area for an operator to look at.

Relayq is configured with a single file in sconf format, see "relayq config
describe". The path is set with the -config flag or the environment variable
RELAYQCONF, which can also be set in a .env file in the working directory.

	relayq [-config config/relayq.conf] [-loglevel level] ...
	relayq serve
	relayq queue list [-json]
	relayq queue errors [-json]
	relayq queue history [-logid logid] [-limit n] [-json]
	relayq queue add [-from address] [-delay duration] recipient ... <message
	relayq queue dump [-error] name
	relayq queue verify [name ...]
	relayq queue kick name
	relayq queue fail name
	relayq queue retry name
	relayq queue drop name
	relayq setadminpassword
	relayq config test
	relayq config describe >relayq.conf
	relayq version
	relayq help [command ...]

Run "relayq helpall" for the full help text of all commands.
*/
package main
